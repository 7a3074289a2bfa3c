package poller

import "github.com/coachpo/spotpoller/internal/domain/schema"

// Decision is the action taken for one provider observation.
type Decision int

const (
	// Continue keeps tracking the request and records its latest status.
	Continue Decision = iota
	// Kill cancels the request with the provider before forgetting it.
	Kill
	// StopTracking forgets the request; the provider has already resolved it.
	StopTracking
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Kill:
		return "kill"
	case StopTracking:
		return "stop_tracking"
	default:
		return "unknown"
	}
}

// Classify maps a provider lifecycle state and status code to a Decision.
// Only open requests still pending evaluation or fulfillment are worth waiting on.
func Classify(state, status string) Decision {
	if state != schema.StateOpen {
		return StopTracking
	}
	switch status {
	case schema.StatusPendingEvaluation, schema.StatusPendingFulfillment:
		return Continue
	default:
		return Kill
	}
}
