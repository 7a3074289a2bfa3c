package poller

import (
	"context"
	"strings"

	"github.com/coachpo/spotpoller/errs"
	"github.com/coachpo/spotpoller/internal/domain/schema"
	"github.com/coachpo/spotpoller/internal/domain/spotstore"
	"github.com/coachpo/spotpoller/internal/infra/provider"
	"github.com/coachpo/spotpoller/internal/observability"
)

// Store operation names used in error envelopes.
const (
	opList         = "list_pollable"
	opUpdateStatus = "update_status"
	opRemove       = "remove"
)

// RegionReconciler runs one region's part of a pass. Batches are processed sequentially.
type RegionReconciler struct {
	store     spotstore.Store
	client    provider.Client
	batchSize int
	logger    observability.Logger
	metrics   *passMetrics
}

// Reconcile lists the region's pollable requests, describes them batch by batch, and
// applies each Decision. Requests chosen for Kill are removed from the store only after
// the provider confirms their cancellation. The first error aborts the remaining batches.
func (r *RegionReconciler) Reconcile(ctx context.Context, region string) (RegionReport, error) {
	report := RegionReport{Region: region}

	ids, err := r.store.ListPollable(ctx, region)
	if err != nil {
		return report, errs.StateStore(region, opList, err)
	}
	report.Pollable = len(ids)
	if len(ids) == 0 {
		r.logger.Debug("No spot requests to poll in this region", observability.F("region", region))
		return report, nil
	}

	r.logger.Info("Polling spot requests",
		observability.F("region", region),
		observability.F("count", len(ids)),
		observability.F("batches", BatchCount(len(ids), r.batchSize)),
		observability.F("ids", ids))

	for batch := range Batches(ids, r.batchSize) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Batches++
		if err := r.reconcileBatch(ctx, region, batch, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *RegionReconciler) reconcileBatch(ctx context.Context, region string, batch []string, report *RegionReport) error {
	observations, err := r.client.DescribeRequests(ctx, region, batch)
	if err != nil {
		return errs.ProviderCall(region, provider.OpDescribe, err)
	}
	report.Described += len(observations)

	var kill []string
	for _, obs := range observations {
		if strings.TrimSpace(obs.ID) == "" {
			r.logger.Warn("Ignoring spot request observation without id",
				observability.F("region", region),
				observability.F("state", obs.State))
			continue
		}
		decision := Classify(obs.State, obs.StatusCode)
		r.metrics.decision(ctx, region, decision)
		fields := observationFields(region, obs)

		switch decision {
		case Continue:
			if err := r.store.UpdateStatus(ctx, region, obs.ID, obs.State, obs.StatusCode); err != nil {
				return errs.StateStore(region, opUpdateStatus, err)
			}
			report.Updated++
			r.logger.Info("Updated state of spot request", fields...)
		case Kill:
			kill = append(kill, obs.ID)
			report.KillRequested++
			r.logger.Info("Killing spot request because it is in a bad state", fields...)
		case StopTracking:
			if err := r.store.Remove(ctx, region, obs.ID); err != nil {
				return errs.StateStore(region, opRemove, err)
			}
			report.Removed++
			r.logger.Info("No longer tracking spot request", fields...)
		}
	}

	return r.cancel(ctx, region, kill, report)
}

// cancel submits the kill-list in chunks of batchSize and forgets only confirmed ids.
func (r *RegionReconciler) cancel(ctx context.Context, region string, kill []string, report *RegionReport) error {
	for chunk := range Batches(kill, r.batchSize) {
		confirmed, err := r.client.CancelRequests(ctx, region, chunk)
		if err != nil {
			return errs.ProviderCall(region, provider.OpCancel, err)
		}

		submitted := make(map[string]struct{}, len(chunk))
		for _, id := range chunk {
			submitted[id] = struct{}{}
		}
		killed := make([]string, 0, len(confirmed))
		for _, id := range confirmed {
			if _, ok := submitted[id]; !ok {
				continue
			}
			delete(submitted, id)
			if err := r.store.Remove(ctx, region, id); err != nil {
				r.metrics.cancel(ctx, region, len(killed))
				return errs.StateStore(region, opRemove, err)
			}
			killed = append(killed, id)
			report.Cancelled++
		}
		r.metrics.cancel(ctx, region, len(killed))

		if len(submitted) > 0 {
			pending := make([]string, 0, len(submitted))
			for _, id := range chunk {
				if _, ok := submitted[id]; ok {
					pending = append(pending, id)
				}
			}
			r.logger.Warn("Spot request cancellation not confirmed, still tracking",
				observability.F("region", region),
				observability.F("ids", pending))
		}
		r.logger.Info("Killed spot requests",
			observability.F("region", region),
			observability.F("idsKilled", killed))
	}
	return nil
}

func observationFields(region string, obs schema.Observation) []observability.Field {
	return []observability.Field{
		observability.F("region", region),
		observability.F("id", obs.ID),
		observability.F("state", obs.State),
		observability.F("status", obs.StatusCode),
	}
}
