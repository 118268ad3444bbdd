package claim

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftline-commerce/driftline/internal/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(&store.Config{Path: path})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

func TestClaimFirstCallerWins(t *testing.T) {
	db := newTestDB(t)
	s := New(db, 5*time.Minute)
	ctx := context.Background()

	result, err := s.Claim(ctx, "cs_1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if result.Outcome != Claimed {
		t.Errorf("Outcome = %v, want Claimed", result.Outcome)
	}
}

func TestClaimDoubleClaimIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	s := New(db, 5*time.Minute)
	ctx := context.Background()

	if _, err := s.Claim(ctx, "cs_2"); err != nil {
		t.Fatalf("first Claim() error = %v", err)
	}

	result, err := s.Claim(ctx, "cs_2")
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if result.Outcome != AlreadyClaimed {
		t.Errorf("Outcome = %v, want AlreadyClaimed (within stale threshold)", result.Outcome)
	}
}

func TestClaimReclaimsAfterStaleThreshold(t *testing.T) {
	db := newTestDB(t)
	s := New(db, 1*time.Millisecond)
	ctx := context.Background()

	if _, err := s.Claim(ctx, "cs_3"); err != nil {
		t.Fatalf("first Claim() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	result, err := s.Claim(ctx, "cs_3")
	if err != nil {
		t.Fatalf("reclaim Claim() error = %v", err)
	}
	if result.Outcome != Claimed {
		t.Errorf("Outcome = %v, want Claimed (stale claim should be reclaimable)", result.Outcome)
	}
}

func TestUnclaimAllowsImmediateRetry(t *testing.T) {
	db := newTestDB(t)
	s := New(db, 5*time.Minute)
	ctx := context.Background()

	if _, err := s.Claim(ctx, "cs_4"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := s.Unclaim(ctx, "cs_4"); err != nil {
		t.Fatalf("Unclaim() error = %v", err)
	}

	result, err := s.Claim(ctx, "cs_4")
	if err != nil {
		t.Fatalf("Claim() after Unclaim() error = %v", err)
	}
	if result.Outcome != Claimed {
		t.Errorf("Outcome = %v, want Claimed after Unclaim", result.Outcome)
	}
}

func TestUnclaimUnknownSessionErrors(t *testing.T) {
	db := newTestDB(t)
	s := New(db, 5*time.Minute)

	if err := s.Unclaim(context.Background(), "never-claimed"); err != ErrNotClaimed {
		t.Errorf("Unclaim() error = %v, want ErrNotClaimed", err)
	}
}

func TestIsProcessedReportsExistingClaim(t *testing.T) {
	db := newTestDB(t)
	s := New(db, 5*time.Minute)
	ctx := context.Background()

	if processedAt, err := s.IsProcessed(ctx, "cs_5"); err != nil || processedAt != nil {
		t.Fatalf("IsProcessed() before claim = (%v, %v), want (nil, nil)", processedAt, err)
	}

	if _, err := s.Claim(ctx, "cs_5"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	processedAt, err := s.IsProcessed(ctx, "cs_5")
	if err != nil {
		t.Fatalf("IsProcessed() error = %v", err)
	}
	if processedAt == nil {
		t.Fatal("IsProcessed() = nil, want non-nil after claim")
	}
}
