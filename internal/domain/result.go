package domain

import "fmt"

type ResultKind string

const (
	ResultOK        ResultKind = "ok"
	ResultRetryable ResultKind = "retryable"
	ResultFatal     ResultKind = "fatal"
)

type Action string

const (
	ActionUpserted Action = "upserted"
	ActionRemoved  Action = "removed"
	ActionSkipped  Action = "skipped"
	ActionNone     Action = "none"
)

// Result is the outcome of one synchronization attempt. The bus adapter maps
// Kind onto its redelivery policy; Action and Affected are informational.
type Result struct {
	Kind     ResultKind
	Action   Action
	Affected int64
	Err      error
}

func OK(action Action, affected int64) Result {
	return Result{Kind: ResultOK, Action: action, Affected: affected}
}

func Retryable(err error) Result {
	return Result{Kind: ResultRetryable, Action: ActionNone, Err: err}
}

func Fatal(err error) Result {
	return Result{Kind: ResultFatal, Action: ActionNone, Err: err}
}

// FromError builds a failure result using Classify.
func FromError(err error) Result {
	if err == nil {
		return OK(ActionNone, 0)
	}
	if Classify(err) == ResultFatal {
		return Fatal(err)
	}
	return Retryable(err)
}

func (r Result) IsOK() bool        { return r.Kind == ResultOK }
func (r Result) IsRetryable() bool { return r.Kind == ResultRetryable }
func (r Result) IsFatal() bool     { return r.Kind == ResultFatal }

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s(%s): %v", r.Kind, r.Action, r.Err)
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Action)
}

// Merge folds results of one event applied to several representations.
// Retryable wins over fatal so that healthy representations are re-applied
// idempotently together with the one that failed.
func Merge(results ...Result) Result {
	out := OK(ActionNone, 0)
	for _, r := range results {
		switch r.Kind {
		case ResultRetryable:
			if out.Kind != ResultRetryable {
				out = Result{Kind: ResultRetryable, Action: ActionNone, Affected: out.Affected, Err: r.Err}
			}
		case ResultFatal:
			if out.Kind == ResultOK {
				out = Result{Kind: ResultFatal, Action: ActionNone, Affected: out.Affected, Err: r.Err}
			}
		default:
			out.Affected += r.Affected
			if out.Kind == ResultOK && r.Action != ActionNone {
				out.Action = r.Action
			}
		}
	}
	return out
}
