// Package spotstore defines persistence contracts for tracked spot requests.
package spotstore

import (
	"context"
	"time"
)

// Record captures the persisted view of a spot request as last observed.
type Record struct {
	Region    string
	ID        string
	State     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the state the poller reconciles against. Implementations must be safe for
// concurrent use by independent regions. Remove of a missing record is a no-op, and
// UpdateStatus never recreates a removed record.
type Store interface {
	// ListPollable returns the ids in region that still need to be re-checked with the provider.
	ListPollable(ctx context.Context, region string) ([]string, error)
	// UpdateStatus records the provider-reported state and status for (region, id).
	UpdateStatus(ctx context.Context, region, id, state, status string) error
	// Remove stops tracking (region, id).
	Remove(ctx context.Context, region, id string) error
}

// Tracker inserts newly requested spot capacity. The poller never calls it; request
// creation belongs to the provisioning side of the system.
type Tracker interface {
	Track(ctx context.Context, record Record) error
}

// Reader exposes point lookups used by tooling and tests.
type Reader interface {
	Get(ctx context.Context, region, id string) (Record, bool, error)
}
