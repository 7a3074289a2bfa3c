// Package poller reconciles tracked spot requests against the provider across regions.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/spotpoller/errs"
	"github.com/coachpo/spotpoller/internal/domain/spotstore"
	"github.com/coachpo/spotpoller/internal/infra/provider"
	"github.com/coachpo/spotpoller/internal/observability"
)

// Option configures a Poller.
type Option func(*Poller)

// WithRegions sets the regions reconciled by each pass. Blank and repeated entries are dropped.
func WithRegions(regions ...string) Option {
	return func(p *Poller) {
		p.regions = uniqueRegions(regions)
	}
}

// WithBatchSize sets the maximum ids per provider call.
func WithBatchSize(size int) Option {
	return func(p *Poller) {
		p.batchSize = size
	}
}

// WithRegionConcurrency bounds how many regions run at once. Zero or less runs all regions together.
func WithRegionConcurrency(limit int) Option {
	return func(p *Poller) {
		p.concurrency = limit
	}
}

// WithLogger sets the poller logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Poller) {
		p.logger = observability.OrNop(logger)
	}
}

// WithMeter sets the meter used for pass instruments.
func WithMeter(meter metric.Meter) Option {
	return func(p *Poller) {
		if meter != nil {
			p.meter = meter
		}
	}
}

// Poller runs reconciliation passes.
type Poller struct {
	store       spotstore.Store
	client      provider.Client
	regions     []string
	batchSize   int
	concurrency int
	logger      observability.Logger
	meter       metric.Meter
	metrics     *passMetrics
	now         func() time.Time
}

// New constructs a Poller. A Poller without regions completes every pass immediately.
func New(store spotstore.Store, client provider.Client, opts ...Option) (*Poller, error) {
	if store == nil {
		return nil, errs.New("poller", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if client == nil {
		return nil, errs.New("poller", errs.CodeInvalid, errs.WithMessage("provider client required"))
	}
	p := &Poller{
		store:     store,
		client:    client,
		batchSize: DefaultBatchSize,
		logger:    observability.Nop(),
		meter:     otel.Meter("spotpoller.poller"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.batchSize <= 0 {
		return nil, errs.New("poller", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("batch size must be positive, got %d", p.batchSize)))
	}
	m, err := newPassMetrics(p.meter)
	if err != nil {
		return nil, err
	}
	p.metrics = m
	return p, nil
}

// Regions returns the regions reconciled by each pass.
func (p *Poller) Regions() []string {
	return append([]string(nil), p.regions...)
}

// Reconciler returns the RegionReconciler used for every region.
func (p *Poller) Reconciler() *RegionReconciler {
	return &RegionReconciler{
		store:     p.store,
		client:    p.client,
		batchSize: p.batchSize,
		logger:    p.logger,
		metrics:   p.metrics,
	}
}

// Poll runs one reconciliation pass. Regions run concurrently and independently; Poll
// waits for all of them. When any region fails the returned error is a *PassError
// holding one *RegionError per failed region, in configuration order.
func (p *Poller) Poll(ctx context.Context) (PassReport, error) {
	started := p.now()
	report := PassReport{
		ID:        uuid.NewString(),
		StartedAt: started,
		Regions:   make([]RegionReport, len(p.regions)),
	}
	if len(p.regions) == 0 {
		return report, nil
	}

	limit := p.concurrency
	if limit <= 0 || limit > len(p.regions) {
		limit = len(p.regions)
	}
	reconciler := p.Reconciler()
	failures := make([]error, len(p.regions))

	wp := pool.New().WithMaxGoroutines(limit)
	for i, region := range p.regions {
		wp.Go(func() {
			regionStart := time.Now()
			rr, err := reconcileSafely(ctx, reconciler, region)
			rr.Duration = time.Since(regionStart)
			if err != nil {
				rr.Err = err
				rr.Error = err.Error()
				failures[i] = &RegionError{Region: region, Err: err}
				p.metrics.regionFailure(ctx, region, errorType(err))
				p.logger.Error("Region reconciliation failed",
					observability.F("region", region),
					observability.F("passId", report.ID),
					observability.F("error", err))
			}
			report.Regions[i] = rr
		})
	}
	wp.Wait()

	report.Duration = p.now().Sub(started)
	var collected []error
	for _, err := range failures {
		if err != nil {
			collected = append(collected, err)
		}
	}
	p.metrics.pass(ctx, report.Duration, len(collected) > 0)
	if len(collected) == 0 {
		return report, nil
	}
	return report, &PassError{PassID: report.ID, Regions: len(p.regions), Errors: collected}
}

func reconcileSafely(ctx context.Context, r *RegionReconciler, region string) (report RegionReport, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			report.Region = region
			err = fmt.Errorf("region %s panic: %v", region, rec)
		}
	}()
	return r.Reconcile(ctx, region)
}

func errorType(err error) string {
	var env *errs.E
	switch {
	case errors.As(err, &env):
		return string(env.Code)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "unknown"
	}
}

func uniqueRegions(regions []string) []string {
	if len(regions) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(regions))
	result := make([]string, 0, len(regions))
	for _, r := range regions {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		result = append(result, r)
	}
	return result
}
