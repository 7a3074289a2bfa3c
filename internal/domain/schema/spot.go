// Package schema defines the provider-facing vocabulary shared by the poller, stores, and clients.
package schema

import "strings"

// Lifecycle states reported by the provider for a spot request.
const (
	StateOpen      = "open"
	StateActive    = "active"
	StateClosed    = "closed"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

// Status codes nested under the open lifecycle state that mean the provider is still deciding.
const (
	StatusPendingEvaluation  = "pending-evaluation"
	StatusPendingFulfillment = "pending-fulfillment"
)

// Observation is the provider's report for a single spot request at describe time.
type Observation struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	StatusCode string `json:"status"`
}

// Key identifies a tracked spot request.
type Key struct {
	Region string
	ID     string
}

// Validate ensures both key components are populated.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Region) == "" {
		return errKeyRegion
	}
	if strings.TrimSpace(k.ID) == "" {
		return errKeyID
	}
	return nil
}

func (k Key) String() string {
	return k.Region + "/" + k.ID
}
