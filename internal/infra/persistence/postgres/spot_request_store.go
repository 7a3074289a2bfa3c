package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/spotpoller/internal/domain/spotstore"
)

// SpotRequestStore persists tracked spot requests in PostgreSQL.
type SpotRequestStore struct {
	pool *pgxpool.Pool
}

var (
	_ spotstore.Store   = (*SpotRequestStore)(nil)
	_ spotstore.Tracker = (*SpotRequestStore)(nil)
	_ spotstore.Reader  = (*SpotRequestStore)(nil)
)

// NewSpotRequestStore constructs a SpotRequestStore backed by the provided pgx pool.
func NewSpotRequestStore(pool *pgxpool.Pool) *SpotRequestStore {
	return &SpotRequestStore{pool: pool}
}

const (
	spotRequestTrackSQL = `
INSERT INTO spot_requests (
    region,
    request_id,
    state,
    status,
    created_at,
    updated_at
)
VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), NOW())
ON CONFLICT (region, request_id) DO UPDATE SET
    state = EXCLUDED.state,
    status = EXCLUDED.status,
    updated_at = NOW();
`
	spotRequestListPollableSQL = `
SELECT request_id
FROM spot_requests
WHERE region = $1
  AND state IN ('', 'open')
ORDER BY created_at ASC, request_id ASC;
`
	spotRequestUpdateStatusSQL = `
UPDATE spot_requests
SET state = $3,
    status = $4,
    updated_at = NOW()
WHERE region = $1
  AND request_id = $2;
`
	spotRequestDeleteSQL = `DELETE FROM spot_requests WHERE region = $1 AND request_id = $2;`
	spotRequestGetSQL    = `
SELECT region, request_id, state, status, created_at, updated_at
FROM spot_requests
WHERE region = $1
  AND request_id = $2;
`
)

// Track upserts a spot request record.
func (s *SpotRequestStore) Track(ctx context.Context, record spotstore.Record) error {
	if s.pool == nil {
		return fmt.Errorf("spot request store: nil pool")
	}
	region, id, err := normalizeKey(record.Region, record.ID)
	if err != nil {
		return err
	}
	var createdAt any
	if !record.CreatedAt.IsZero() {
		createdAt = record.CreatedAt
	}
	if _, err := s.pool.Exec(ctx, spotRequestTrackSQL, region, id, record.State, record.Status, createdAt); err != nil {
		return fmt.Errorf("track spot request: %w", err)
	}
	return nil
}

// ListPollable returns ids in region whose tracked state is open or not yet observed.
func (s *SpotRequestStore) ListPollable(ctx context.Context, region string) ([]string, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("spot request store: nil pool")
	}
	trimmed := strings.TrimSpace(region)
	if trimmed == "" {
		return nil, fmt.Errorf("spot request store: region required")
	}
	rows, err := s.pool.Query(ctx, spotRequestListPollableSQL, trimmed)
	if err != nil {
		return nil, fmt.Errorf("list pollable spot requests: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan pollable spot requests: %w", err)
	}
	return ids, nil
}

// UpdateStatus records the provider-reported state. Missing rows are left missing.
func (s *SpotRequestStore) UpdateStatus(ctx context.Context, region, id, state, status string) error {
	if s.pool == nil {
		return fmt.Errorf("spot request store: nil pool")
	}
	region, id, err := normalizeKey(region, id)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, spotRequestUpdateStatusSQL, region, id, state, status); err != nil {
		return fmt.Errorf("update spot request status: %w", err)
	}
	return nil
}

// Remove deletes a spot request record. Deleting a missing row is not an error.
func (s *SpotRequestStore) Remove(ctx context.Context, region, id string) error {
	if s.pool == nil {
		return fmt.Errorf("spot request store: nil pool")
	}
	region, id, err := normalizeKey(region, id)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, spotRequestDeleteSQL, region, id); err != nil {
		return fmt.Errorf("delete spot request: %w", err)
	}
	return nil
}

// Get loads a single record.
func (s *SpotRequestStore) Get(ctx context.Context, region, id string) (spotstore.Record, bool, error) {
	if s.pool == nil {
		return spotstore.Record{}, false, fmt.Errorf("spot request store: nil pool")
	}
	region, id, err := normalizeKey(region, id)
	if err != nil {
		return spotstore.Record{}, false, err
	}
	var rec spotstore.Record
	row := s.pool.QueryRow(ctx, spotRequestGetSQL, region, id)
	if err := row.Scan(&rec.Region, &rec.ID, &rec.State, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return spotstore.Record{}, false, nil
		}
		return spotstore.Record{}, false, fmt.Errorf("get spot request: %w", err)
	}
	return rec, true, nil
}

func normalizeKey(region, id string) (string, string, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return "", "", fmt.Errorf("spot request store: region required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "", fmt.Errorf("spot request store: request id required")
	}
	return region, id, nil
}
