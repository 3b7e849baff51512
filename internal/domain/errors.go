package domain

import "errors"

var (
	ErrTransientFetch        = errors.New("source temporarily unavailable")
	ErrTransientStore        = errors.New("downstream store temporarily unavailable")
	ErrNotFoundAtSource      = errors.New("entity not found at source")
	ErrMalformedEvent        = errors.New("malformed event")
	ErrUnsupportedEvent      = errors.New("unsupported event")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrUnknownRepresentation = errors.New("unknown representation")
	ErrResyncInProgress      = errors.New("full resync already in progress")
	ErrInvalidInput          = errors.New("invalid input")
)

// Classify maps an error from the fetch/store path onto a delivery outcome.
// Errors nobody recognises are treated as retryable: the bus bounds the
// attempts and dead-letters the message once they run out.
func Classify(err error) ResultKind {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrUnsupportedEvent), errors.Is(err, ErrInvalidInput):
		return ResultFatal
	case errors.Is(err, ErrTransientFetch), errors.Is(err, ErrTransientStore), errors.Is(err, ErrDependencyUnavailable):
		return ResultRetryable
	default:
		return ResultRetryable
	}
}
