package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterValidation(t *testing.T) {
	s := New(Config{})
	noop := func(context.Context) error { return nil }
	require.Error(t, s.Register("", time.Second, noop))
	require.Error(t, s.Register("sync", 0, noop))
	require.NoError(t, s.Register("sync", time.Second, noop))
	require.ErrorIs(t, s.Register("sync", time.Second, noop), ErrDuplicateHandler)
	require.ErrorIs(t, s.Trigger("missing"), ErrUnknownHandler)
	require.ErrorIs(t, s.Pause("missing"), ErrUnknownHandler)
}

func TestRunNowIsSingleFlight(t *testing.T) {
	s := New(Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register("withdraw", time.Hour, func(context.Context) error {
		close(entered)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "withdraw") }()
	<-entered

	require.ErrorIs(t, s.RunNow(context.Background(), "withdraw"), ErrBusy)
	st := s.Status()[0]
	require.True(t, st.Running)
	require.EqualValues(t, 1, st.Skipped)

	close(release)
	require.NoError(t, <-done)
	st = s.Status()[0]
	require.False(t, st.Running)
	require.EqualValues(t, 1, st.Runs)
}

func TestRunRecordsFailuresAndPanics(t *testing.T) {
	s := New(Config{})
	boom := errors.New("provider down")
	require.NoError(t, s.Register("sync", time.Hour, func(context.Context) error { return boom }))
	require.NoError(t, s.Register("janitor", time.Hour, func(context.Context) error { panic("nil wallet") }))

	require.ErrorIs(t, s.RunNow(context.Background(), "sync"), boom)
	err := s.RunNow(context.Background(), "janitor")
	require.ErrorContains(t, err, "panicked")

	statuses := s.Status()
	require.Equal(t, "sync", statuses[0].Name)
	require.EqualValues(t, 1, statuses[0].Failures)
	require.Equal(t, "provider down", statuses[0].LastError)
	require.Equal(t, "janitor", statuses[1].Name)
	require.False(t, statuses[1].Running)
}

func TestPauseBlocksRunsAndTriggers(t *testing.T) {
	s := New(Config{})
	var calls atomic.Int32
	require.NoError(t, s.Register("decision", time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, s.Pause("decision"))
	require.ErrorIs(t, s.RunNow(context.Background(), "decision"), ErrPaused)
	require.ErrorIs(t, s.Trigger("decision"), ErrPaused)
	require.True(t, s.Status()[0].Paused)

	require.NoError(t, s.Resume("decision"))
	require.NoError(t, s.RunNow(context.Background(), "decision"))
	require.EqualValues(t, 1, calls.Load())
}

func TestTriggerRunsStartedHandler(t *testing.T) {
	s := New(Config{})
	ran := make(chan struct{}, 4)
	require.NoError(t, s.Register("collateral", time.Hour, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), ErrStarted)
	require.ErrorIs(t, s.Register("late", time.Second, func(context.Context) error { return nil }), ErrStarted)

	require.NoError(t, s.Trigger("collateral"))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered run did not start")
	}
	cancel()
	s.Wait()
	require.Eventually(t, func() bool { return s.Status()[0].Runs == 1 }, time.Second, 10*time.Millisecond)
}

func TestTickerDropsOverlappingTicks(t *testing.T) {
	s := New(Config{})
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.Register("register", 5*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.Status()[0].Skipped >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, calls.Load())

	close(release)
	cancel()
	s.Wait()
}
