// Package iterate drives a handler on a fixed interval with a per-iteration deadline and a
// consecutive-failure budget.
package iterate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/spotpoller/internal/observability"
	"github.com/coachpo/spotpoller/internal/telemetry"
)

var (
	// ErrTooManyFailures is returned by Start once MaxFailures consecutive iterations failed.
	ErrTooManyFailures = errors.New("iterate: too many consecutive failures")
	// ErrIterationTimeout marks an iteration that outlived MaxIterationTime.
	ErrIterationTimeout = errors.New("iterate: iteration exceeded max iteration time")
)

// Handler runs one iteration.
type Handler func(ctx context.Context) error

// BackoffConfig bounds the extra delay added after failed iterations.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// Config controls iteration pacing.
type Config struct {
	WaitTime         time.Duration
	MaxIterationTime time.Duration
	// MaxFailures is the consecutive failure budget. Zero means unlimited.
	MaxFailures int
	Backoff     BackoffConfig
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		WaitTime:         25 * time.Second,
		MaxIterationTime: 15 * time.Minute,
		MaxFailures:      10,
		Backoff:          BackoffConfig{Initial: time.Second, Max: time.Minute},
	}
}

func (c Config) validate() error {
	if c.WaitTime < 0 {
		return fmt.Errorf("iterate: wait time must not be negative")
	}
	if c.MaxIterationTime <= 0 {
		return fmt.Errorf("iterate: max iteration time must be positive")
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("iterate: max failures must not be negative")
	}
	return nil
}

// FailureFunc observes a failed iteration and the current consecutive failure count.
type FailureFunc func(err error, consecutive int)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Runner) {
		r.logger = observability.OrNop(logger)
	}
}

// OnFailure registers a hook invoked after each failed iteration.
func OnFailure(fn FailureFunc) Option {
	return func(r *Runner) {
		r.onFailure = fn
	}
}

// WithMeter sets the meter used for the failure counter.
func WithMeter(meter metric.Meter) Option {
	return func(r *Runner) {
		if meter != nil {
			r.meter = meter
		}
	}
}

// Runner calls a Handler repeatedly until stopped or out of failure budget.
type Runner struct {
	cfg       Config
	handler   Handler
	logger    observability.Logger
	onFailure FailureFunc
	meter     metric.Meter
	failures  metric.Int64Counter

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New validates cfg and constructs a Runner.
func New(cfg Config, handler Handler, opts ...Option) (*Runner, error) {
	if handler == nil {
		return nil, fmt.Errorf("iterate: handler required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:     cfg,
		handler: handler,
		logger:  observability.Nop(),
		meter:   otel.Meter("spotpoller.iterate"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	counter, err := r.meter.Int64Counter(telemetry.MetricIterationFailures,
		metric.WithDescription("Failed iterations of the periodic driver"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", telemetry.MetricIterationFailures, err)
	}
	r.failures = counter
	return r, nil
}

// Start runs the first iteration immediately and then one every WaitTime, plus backoff
// after failures. It blocks until ctx is done or Stop is called, returning nil, or until
// the failure budget is spent, returning an error wrapping ErrTooManyFailures and the
// last iteration error.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("iterate: runner already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	defer close(done)
	defer cancel()
	return r.loop(runCtx)
}

// Stop cancels the running loop and waits for Start to return. It is safe to call before
// Start and more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) loop(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	if r.cfg.Backoff.Initial > 0 {
		policy.InitialInterval = r.cfg.Backoff.Initial
	}
	if r.cfg.Backoff.Max > 0 {
		policy.MaxInterval = r.cfg.Backoff.Max
	}

	consecutive := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		err := r.iterate(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := r.cfg.WaitTime
		if err != nil {
			consecutive++
			r.failures.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment())))
			r.logger.Error("iteration failed",
				observability.F("consecutive", consecutive),
				observability.F("maxFailures", r.cfg.MaxFailures),
				observability.F("error", err))
			if r.onFailure != nil {
				r.onFailure(err, consecutive)
			}
			if r.cfg.MaxFailures > 0 && consecutive >= r.cfg.MaxFailures {
				return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, consecutive, err)
			}
			if next := policy.NextBackOff(); next != backoff.Stop {
				wait += next
			}
		} else {
			if consecutive > 0 {
				r.logger.Info("iteration recovered", observability.F("after", consecutive))
			}
			consecutive = 0
			policy.Reset()
		}
		timer.Reset(wait)
	}
}

func (r *Runner) iterate(ctx context.Context) (err error) {
	iterCtx, cancel := context.WithTimeout(ctx, r.cfg.MaxIterationTime)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("iterate: handler panic: %v", rec)
		}
	}()

	err = r.handler(iterCtx)
	if errors.Is(iterCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if err == nil {
			return ErrIterationTimeout
		}
		return fmt.Errorf("%w: %w", ErrIterationTimeout, err)
	}
	return err
}
