package bitmex

import (
	"time"

	"marketlens/internal/protocol"
)

const (
	StatusRateLimited = 429
	StatusBusy        = 503

	DefaultBusyDelay  = time.Second
	DefaultRetryAfter = time.Second
)

// RetryDecision says whether a feed error is answered with a delayed
// re-subscription on the open connection.
type RetryDecision struct {
	Resubscribe bool
	Delay       time.Duration
}

// RetryPolicy maps feed errors to retries. Only rate limiting and busy
// responses are retried; every other error is fatal to the connection.
type RetryPolicy struct {
	BusyDelay         time.Duration
	DefaultRetryAfter time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BusyDelay: DefaultBusyDelay, DefaultRetryAfter: DefaultRetryAfter}
}

func (p RetryPolicy) Decide(f protocol.ErrorFrame) RetryDecision {
	switch f.Status {
	case StatusRateLimited:
		if f.HasRetryAfter {
			return RetryDecision{Resubscribe: true, Delay: f.RetryAfter}
		}
		return RetryDecision{Resubscribe: true, Delay: orDefault(p.DefaultRetryAfter, DefaultRetryAfter)}
	case StatusBusy:
		return RetryDecision{Resubscribe: true, Delay: orDefault(p.BusyDelay, DefaultBusyDelay)}
	default:
		return RetryDecision{}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
