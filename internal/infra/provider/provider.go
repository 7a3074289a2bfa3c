// Package provider defines the cloud-side contract used to reconcile spot requests.
package provider

import (
	"context"

	"github.com/coachpo/spotpoller/internal/domain/schema"
)

// Operation names reported in errors and metrics.
const (
	OpDescribe = "describe"
	OpCancel   = "cancel"
)

// Client talks to the cloud provider on behalf of a region. Implementations must be safe
// for concurrent use by independent regions and own their retry and throttling policy.
type Client interface {
	// DescribeRequests reports the current state of the given spot requests. Ids the
	// provider does not know about may be absent from the result.
	DescribeRequests(ctx context.Context, region string, ids []string) ([]schema.Observation, error)
	// CancelRequests asks the provider to cancel ids and returns the ids it confirmed.
	CancelRequests(ctx context.Context, region string, ids []string) ([]string, error)
}
