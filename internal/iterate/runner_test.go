package iterate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig(maxFailures int) Config {
	return Config{
		WaitTime:         time.Millisecond,
		MaxIterationTime: time.Second,
		MaxFailures:      maxFailures,
		Backoff:          BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func startAsync(r *Runner, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	return done
}

func TestNewValidates(t *testing.T) {
	_, err := New(fastConfig(1), nil)
	require.Error(t, err)

	cfg := fastConfig(1)
	cfg.MaxIterationTime = 0
	_, err = New(cfg, func(context.Context) error { return nil })
	require.Error(t, err)

	cfg = fastConfig(-1)
	_, err = New(cfg, func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestRunsImmediatelyAndRepeatedly(t *testing.T) {
	var calls atomic.Int32
	reached := make(chan struct{})
	var once sync.Once
	r, err := New(fastConfig(3), func(context.Context) error {
		if calls.Add(1) == 3 {
			once.Do(func() { close(reached) })
		}
		return nil
	})
	require.NoError(t, err)

	done := startAsync(r, context.Background())
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run three times")
	}
	r.Stop()
	require.NoError(t, <-done)
	r.Stop()
}

func TestFirstIterationDoesNotWait(t *testing.T) {
	cfg := fastConfig(0)
	cfg.WaitTime = time.Hour
	first := make(chan struct{})
	var once sync.Once
	r, err := New(cfg, func(context.Context) error {
		once.Do(func() { close(first) })
		return nil
	})
	require.NoError(t, err)

	done := startAsync(r, context.Background())
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first iteration was delayed")
	}
	r.Stop()
	require.NoError(t, <-done)
}

func TestStopsAfterMaxConsecutiveFailures(t *testing.T) {
	boom := errors.New("poll failed")
	var seen []int
	r, err := New(fastConfig(3),
		func(context.Context) error { return boom },
		OnFailure(func(err error, consecutive int) {
			assert.ErrorIs(t, err, boom)
			seen = append(seen, consecutive)
		}),
	)
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("transient")
	r, err := New(fastConfig(3), func(context.Context) error {
		n := calls.Add(1)
		if n > 9 {
			return errors.New("permanent")
		}
		if n%3 == 0 {
			return nil
		}
		return boom
	})
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
	assert.EqualValues(t, 12, calls.Load())
}

func TestIterationDeadline(t *testing.T) {
	cfg := fastConfig(1)
	cfg.MaxIterationTime = 10 * time.Millisecond
	r, err := New(cfg, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
	require.ErrorIs(t, err, ErrIterationTimeout)
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	r, err := New(fastConfig(1), func(context.Context) error { panic("kaboom") })
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestParentCancellationStopsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := New(fastConfig(0), func(context.Context) error {
		cancel()
		return errors.New("ignored after cancel")
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
}

func TestStopBeforeStart(t *testing.T) {
	var calls atomic.Int32
	r, err := New(fastConfig(1), func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	r.Stop()
	r.Stop()
	require.NoError(t, r.Start(context.Background()))
	assert.Zero(t, calls.Load())
}

func TestStartTwiceFails(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	r, err := New(fastConfig(0), func(ctx context.Context) error {
		once.Do(func() { close(started) })
		return nil
	})
	require.NoError(t, err)

	done := startAsync(r, context.Background())
	<-started
	require.Error(t, r.Start(context.Background()))
	r.Stop()
	require.NoError(t, <-done)
}
