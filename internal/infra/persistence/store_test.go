package persistence

import (
	"context"
	"testing"
)

func TestNilStoreAccessors(t *testing.T) {
	var s *Store
	if s.Pool() != nil {
		t.Fatalf("expected nil pool for nil store")
	}
	s.Close()
	NewStore(nil).Close()
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), PoolOptions{DSN: "   "}); err == nil {
		t.Fatalf("expected error for blank dsn")
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	if _, err := Open(context.Background(), PoolOptions{DSN: "postgres://%zz"}); err == nil {
		t.Fatalf("expected parse error for malformed dsn")
	}
}
