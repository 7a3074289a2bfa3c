// Package memory provides an in-memory spot request store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/spotpoller/internal/domain/schema"
	"github.com/coachpo/spotpoller/internal/domain/spotstore"
)

// Store is an in-memory implementation of spotstore.Store.
type Store struct {
	mu      sync.RWMutex
	records map[schema.Key]spotstore.Record
	clock   func() time.Time
}

var (
	_ spotstore.Store   = (*Store)(nil)
	_ spotstore.Tracker = (*Store)(nil)
	_ spotstore.Reader  = (*Store)(nil)
)

// NewStore creates an empty memory-backed store.
func NewStore() *Store {
	return &Store{
		mu:      sync.RWMutex{},
		records: make(map[schema.Key]spotstore.Record),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source, primarily for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	} else {
		s.clock = clock
	}
	return s
}

// Track inserts or replaces a record.
func (s *Store) Track(ctx context.Context, record spotstore.Record) error {
	key := schema.Key{Region: strings.TrimSpace(record.Region), ID: strings.TrimSpace(record.ID)}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := checkContext(ctx, "track"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	record.Region = key.Region
	record.ID = key.ID
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	s.records[key] = record
	return nil
}

// ListPollable returns ids in region whose tracked state is open or not yet observed,
// oldest first.
func (s *Store) ListPollable(ctx context.Context, region string) ([]string, error) {
	if err := checkContext(ctx, "list"); err != nil {
		return nil, err
	}
	region = strings.TrimSpace(region)
	s.mu.RLock()
	matches := make([]spotstore.Record, 0)
	for key, rec := range s.records {
		if key.Region != region || !pollable(rec.State) {
			continue
		}
		matches = append(matches, rec)
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	ids := make([]string, len(matches))
	for i, rec := range matches {
		ids[i] = rec.ID
	}
	return ids, nil
}

// UpdateStatus records the observed state for a tracked request. Unknown keys are ignored.
func (s *Store) UpdateStatus(ctx context.Context, region, id, state, status string) error {
	key := schema.Key{Region: strings.TrimSpace(region), ID: strings.TrimSpace(id)}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := checkContext(ctx, "update"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	rec.State = state
	rec.Status = status
	rec.UpdatedAt = s.clock()
	s.records[key] = rec
	return nil
}

// Remove deletes a tracked request. Removing an unknown key is a no-op.
func (s *Store) Remove(ctx context.Context, region, id string) error {
	key := schema.Key{Region: strings.TrimSpace(region), ID: strings.TrimSpace(id)}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := checkContext(ctx, "remove"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Get returns the record for (region, id) if tracked.
func (s *Store) Get(ctx context.Context, region, id string) (spotstore.Record, bool, error) {
	if err := checkContext(ctx, "get"); err != nil {
		return spotstore.Record{}, false, err
	}
	s.mu.RLock()
	rec, ok := s.records[schema.Key{Region: strings.TrimSpace(region), ID: strings.TrimSpace(id)}]
	s.mu.RUnlock()
	return rec, ok, nil
}

// Len reports the number of tracked records across all regions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func pollable(state string) bool {
	return state == "" || state == schema.StateOpen
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
