// Package retry classifies failures and retries transient ones with bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil error stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying: explicitly marked
// errors, network timeouts and database serialization conflicts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var marked *transientError
	if errors.As(err, &marked) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Policy is a bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration

	sleep func(context.Context, time.Duration) error
}

// DefaultPolicy retries up to five times starting at 2s, doubling, capped at
// one minute.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Initial: 2 * time.Second, Multiplier: 2, Max: time.Minute}
}

// WithSleep replaces the wait between attempts.
func (p Policy) WithSleep(fn func(context.Context, time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts are exhausted. It reports the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if !IsTransient(err) || attempt == attempts {
			return attempt, err
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return attempt, err
		}
	}
	return attempts, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
