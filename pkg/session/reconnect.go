package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectTracker paces Reconnecting re-entries with an exponential
// backoff clamped to spec.md §4.8's 200ms-2s range, while separately
// metering a hard 15s total budget: the backoff library only knows how
// to space out retries, not how much cumulative time a caller is willing
// to spend, so the remaining budget is tracked alongside it.
type reconnectTracker struct {
	bo        *backoff.ExponentialBackOff
	remaining time.Duration
}

func newReconnectTracker(cfg Config) *reconnectTracker {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectBackoffInitial
	bo.MaxInterval = cfg.ReconnectBackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // budget is enforced here, not by the library
	bo.Reset()
	return &reconnectTracker{bo: bo, remaining: cfg.ReconnectBudget}
}

// next returns the delay before the next reconnect attempt, or
// ErrReconnectExhausted if the budget cannot absorb another wait.
func (r *reconnectTracker) next() (time.Duration, error) {
	if r.remaining <= 0 {
		return 0, ErrReconnectExhausted
	}
	d := r.bo.NextBackOff()
	if d == backoff.Stop {
		return 0, ErrReconnectExhausted
	}
	if d < r.bo.InitialInterval {
		d = r.bo.InitialInterval
	}
	if d > r.bo.MaxInterval {
		d = r.bo.MaxInterval
	}
	if d > r.remaining {
		d = r.remaining
	}
	r.remaining -= d
	return d, nil
}
