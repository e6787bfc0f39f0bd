package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 6, Initial: time.Second, Multiplier: 2, Max: 5 * time.Second}
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
	require.Equal(t, 5*time.Second, p.Backoff(4))
	require.Equal(t, 5*time.Second, p.Backoff(40))
}

func TestDoRetriesTransientOnly(t *testing.T) {
	p := DefaultPolicy().WithSleep(noSleep)

	calls := 0
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	permanent := errors.New("malformed datum")
	calls = 0
	attempts, err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, attempts)

	attempts, err = p.Do(context.Background(), func(context.Context) error {
		return Transient(errors.New("timeout"))
	})
	require.Error(t, err)
	require.Equal(t, p.MaxAttempts, attempts)
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 4, Initial: time.Hour, Multiplier: 2, Max: time.Hour}
	attempts, err := p.Do(ctx, func(context.Context) error {
		return Transient(errors.New("busy"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestIsTransientClassification(t *testing.T) {
	require.True(t, IsTransient(fmt.Errorf("wrapped: %w", Transient(errors.New("x")))))
	require.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	require.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(errors.New("plain")))
	require.False(t, IsTransient(nil))
}

func TestEscalation(t *testing.T) {
	transient := Transient(errors.New("rpc down"))

	// Fails on every attempt up to the maximum: manual review after max+1.
	count := 0
	var d Decision
	for i := 0; i < 3; i++ {
		d = Escalate(transient, count, 3)
		require.False(t, d.ManualReview)
		count = d.RetryCount
	}
	d = Escalate(transient, count, 3)
	require.True(t, d.ManualReview)
	require.Equal(t, ErrorExhausted, d.Type)

	d = Escalate(errors.New("missing collateral"), 0, 3)
	require.True(t, d.ManualReview)
	require.Equal(t, ErrorProtocol, d.Type)
}
