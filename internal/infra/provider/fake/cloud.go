// Package fake provides an in-memory provider used by tests and local runs.
package fake

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/spotpoller/internal/domain/schema"
	"github.com/coachpo/spotpoller/internal/infra/provider"
)

// StatusCancelledByUser is the status code recorded for requests cancelled through the fake.
const StatusCancelledByUser = "request-canceled-and-instance-running"

// Call records one provider invocation.
type Call struct {
	Region string
	Op     string
	IDs    []string
}

// CancelFilter decides whether the fake confirms a cancellation for id.
type CancelFilter func(region, id string) bool

// Cloud is a thread-safe in-memory provider keyed by region.
type Cloud struct {
	mu       sync.Mutex
	requests map[string]map[string]schema.Observation
	calls    []Call
	filter   CancelFilter
	failures map[string][]error
}

var _ provider.Client = (*Cloud)(nil)

// New returns an empty Cloud that confirms every cancellation.
func New() *Cloud {
	return &Cloud{
		requests: make(map[string]map[string]schema.Observation),
		failures: make(map[string][]error),
	}
}

// Put stores or replaces observations in region.
func (c *Cloud) Put(region string, observations ...schema.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.requests[region]
	if !ok {
		byID = make(map[string]schema.Observation, len(observations))
		c.requests[region] = byID
	}
	for _, obs := range observations {
		byID[obs.ID] = obs
	}
}

// Get returns the current observation for (region, id).
func (c *Cloud) Get(region, id string) (schema.Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs, ok := c.requests[region][id]
	return obs, ok
}

// SetCancelFilter restricts which ids CancelRequests confirms. A nil filter confirms all.
func (c *Cloud) SetCancelFilter(filter CancelFilter) {
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
}

// FailNext queues err to be returned by the next op call in region.
func (c *Cloud) FailNext(region, op string, err error) {
	c.mu.Lock()
	key := failureKey(region, op)
	c.failures[key] = append(c.failures[key], err)
	c.mu.Unlock()
}

// Calls returns a copy of every call made so far.
func (c *Cloud) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	for i, call := range c.calls {
		out[i] = Call{Region: call.Region, Op: call.Op, IDs: slices.Clone(call.IDs)}
	}
	return out
}

// CallsFor returns the recorded calls matching region and op.
func (c *Cloud) CallsFor(region, op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Region == region && call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// DescribeRequests returns the known observations for ids, in request order.
func (c *Cloud) DescribeRequests(ctx context.Context, region string, ids []string) ([]schema.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(region, provider.OpDescribe, ids); err != nil {
		return nil, err
	}
	out := make([]schema.Observation, 0, len(ids))
	for _, id := range ids {
		if obs, ok := c.requests[region][id]; ok {
			out = append(out, obs)
		}
	}
	return out, nil
}

// CancelRequests marks confirmed ids as cancelled and returns them.
func (c *Cloud) CancelRequests(ctx context.Context, region string, ids []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(region, provider.OpCancel, ids); err != nil {
		return nil, err
	}
	confirmed := make([]string, 0, len(ids))
	for _, id := range ids {
		obs, ok := c.requests[region][id]
		if !ok {
			continue
		}
		if c.filter != nil && !c.filter(region, id) {
			continue
		}
		obs.State = schema.StateCancelled
		obs.StatusCode = StatusCancelledByUser
		c.requests[region][id] = obs
		confirmed = append(confirmed, id)
	}
	return confirmed, nil
}

// begin records the call and pops a queued failure. Callers hold c.mu.
func (c *Cloud) begin(region, op string, ids []string) error {
	c.calls = append(c.calls, Call{Region: region, Op: op, IDs: slices.Clone(ids)})
	key := failureKey(region, op)
	queued := c.failures[key]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	c.failures[key] = queued[1:]
	return err
}

func failureKey(region, op string) string {
	return region + "|" + op
}

// Fixture is the on-disk seed format: observations keyed by region.
type Fixture struct {
	Regions map[string][]schema.Observation `json:"regions"`
}

// LoadFixture reads a JSON fixture into a new Cloud.
func LoadFixture(path string) (*Cloud, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return New(), nil
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("read fake provider fixture: %w", err)
	}
	var fixture Fixture
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return nil, fmt.Errorf("decode fake provider fixture %s: %w", trimmed, err)
	}
	cloud := New()
	for region, observations := range fixture.Regions {
		for _, obs := range observations {
			if strings.TrimSpace(obs.ID) == "" {
				return nil, fmt.Errorf("fake provider fixture %s: region %s has an observation without id", trimmed, region)
			}
		}
		cloud.Put(region, observations...)
	}
	return cloud, nil
}
