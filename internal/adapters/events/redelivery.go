package events

import "time"

// Redelivery is the bus-side policy for results that are not ok. Retryable
// results go to RetryTopic with an increasing delay until MaxAttempts
// deliveries have failed; everything else goes to DeadLetterTopic.
type Redelivery struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	RetryTopic      string
	DeadLetterTopic string
}

// WithDefaults fills unset fields; topics are named after service.
func (r Redelivery) WithDefaults(service string) Redelivery {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay < r.BaseDelay {
		r.MaxDelay = 5 * time.Minute
		if r.MaxDelay < r.BaseDelay {
			r.MaxDelay = r.BaseDelay
		}
	}
	if r.RetryTopic == "" {
		r.RetryTopic = service + ".retry"
	}
	if r.DeadLetterTopic == "" {
		r.DeadLetterTopic = service + ".dlq"
	}
	return r
}

// Backoff is the delay before delivery attempt+1, doubling from BaseDelay
// and capped at MaxDelay.
func (r Redelivery) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := r.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.MaxDelay || delay <= 0 {
			return r.MaxDelay
		}
	}
	if delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}

func (r Redelivery) Exhausted(attempt int) bool {
	return attempt >= r.MaxAttempts
}
