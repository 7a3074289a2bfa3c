package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/spotpoller/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// SpotRequests returns the spot request repository bound to this store's pool.
func (s *Store) SpotRequests() *SpotRequestStore {
	return NewSpotRequestStore(s.Pool())
}
