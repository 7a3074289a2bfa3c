package poller

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/spotpoller/internal/domain/schema"
	"github.com/coachpo/spotpoller/internal/domain/spotstore"
	"github.com/coachpo/spotpoller/internal/infra/persistence/memory"
	"github.com/coachpo/spotpoller/internal/infra/provider"
	"github.com/coachpo/spotpoller/internal/infra/provider/fake"
)

// journal records store and provider side effects in the order they happened.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) index(entry string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Index(j.entries, entry)
}

func (j *journal) count(prefix string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type storeOp struct {
	Op     string
	Region string
	ID     string
	State  string
	Status string
}

// recordingStore wraps the in-memory store, records mutations, and injects failures.
type recordingStore struct {
	*memory.Store
	log *journal

	mu         sync.Mutex
	ops        []storeOp
	listErr    map[string]error
	removeErr  map[string]error
	updateErr  map[string]error
	listBlock  chan struct{}
	listCalled chan string
	onUpdate   func(id string)
}

var _ spotstore.Store = (*recordingStore)(nil)

func newRecordingStore(log *journal) *recordingStore {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return &recordingStore{
		Store:     memory.NewStore().WithClock(clock),
		log:       log,
		listErr:   map[string]error{},
		removeErr: map[string]error{},
		updateErr: map[string]error{},
	}
}

func (s *recordingStore) record(op storeOp) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *recordingStore) opsFor(op string) []storeOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storeOp
	for _, o := range s.ops {
		if o.Op == op {
			out = append(out, o)
		}
	}
	return out
}

func (s *recordingStore) removedIDs(region string) []string {
	var ids []string
	for _, op := range s.opsFor("remove") {
		if op.Region == region {
			ids = append(ids, op.ID)
		}
	}
	return ids
}

func (s *recordingStore) ListPollable(ctx context.Context, region string) ([]string, error) {
	s.record(storeOp{Op: "list", Region: region})
	if s.listCalled != nil {
		s.listCalled <- region
	}
	if s.listBlock != nil {
		<-s.listBlock
	}
	s.mu.Lock()
	err := s.listErr[region]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.ListPollable(ctx, region)
}

func (s *recordingStore) UpdateStatus(ctx context.Context, region, id, state, status string) error {
	s.record(storeOp{Op: "update", Region: region, ID: id, State: state, Status: status})
	s.mu.Lock()
	err := s.updateErr[id]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.Store.UpdateStatus(ctx, region, id, state, status); err != nil {
		return err
	}
	if s.onUpdate != nil {
		s.onUpdate(id)
	}
	return nil
}

func (s *recordingStore) Remove(ctx context.Context, region, id string) error {
	s.record(storeOp{Op: "remove", Region: region, ID: id})
	s.log.add("remove:%s/%s", region, id)
	s.mu.Lock()
	err := s.removeErr[id]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Remove(ctx, region, id)
}

// journalClient wraps the fake cloud and journals confirmed cancellations.
type journalClient struct {
	*fake.Cloud
	log *journal
}

var _ provider.Client = (*journalClient)(nil)

func (c *journalClient) CancelRequests(ctx context.Context, region string, ids []string) ([]string, error) {
	for _, id := range ids {
		c.log.add("cancel-submit:%s/%s", region, id)
	}
	confirmed, err := c.Cloud.CancelRequests(ctx, region, ids)
	for _, id := range confirmed {
		c.log.add("cancel-confirmed:%s/%s", region, id)
	}
	return confirmed, err
}

type harness struct {
	log    *journal
	store  *recordingStore
	cloud  *fake.Cloud
	client *journalClient
}

func newHarness() *harness {
	log := &journal{}
	cloud := fake.New()
	return &harness{
		log:    log,
		store:  newRecordingStore(log),
		cloud:  cloud,
		client: &journalClient{Cloud: cloud, log: log},
	}
}

// seed tracks each observation in the store and publishes it in the fake cloud.
func (h *harness) seed(t *testing.T, region string, observations ...schema.Observation) {
	t.Helper()
	for _, obs := range observations {
		require.NoError(t, h.store.Track(context.Background(), spotstore.Record{Region: region, ID: obs.ID}))
	}
	h.cloud.Put(region, observations...)
}

func (h *harness) reconciler(t *testing.T, batchSize int) *RegionReconciler {
	t.Helper()
	p, err := New(h.store, h.client, WithBatchSize(batchSize))
	require.NoError(t, err)
	return p.Reconciler()
}

func pending(id string) schema.Observation {
	return schema.Observation{ID: id, State: schema.StateOpen, StatusCode: schema.StatusPendingFulfillment}
}

func wedged(id string) schema.Observation {
	return schema.Observation{ID: id, State: schema.StateOpen, StatusCode: "capacity-not-available"}
}

func resolved(id, state string) schema.Observation {
	return schema.Observation{ID: id, State: state, StatusCode: "instance-terminated-by-user"}
}

func sequentialIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%04d", prefix, i)
	}
	return ids
}
