// Package claim implements idempotency claims for inbound payment
// webhooks: a provider session id may only be processed once, and a
// stuck claim (the process died mid-processing) may be reclaimed after
// a staleness threshold.
package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotClaimed = errors.New("claim: session not claimed")

// Outcome reports the result of a Claim call.
type Outcome int

const (
	// Claimed means the caller now owns processing for this session and
	// must eventually call Unclaim or leave the claim row in place as the
	// completion record.
	Claimed Outcome = iota
	// AlreadyProcessed means another claim already finished processing
	// this session id. ExistingProcessedAt is populated.
	AlreadyProcessed
	// AlreadyClaimed means another claim is in flight and has not gone
	// stale yet.
	AlreadyClaimed
)

// Result is the outcome of a Claim call.
type Result struct {
	Outcome             Outcome
	ExistingProcessedAt time.Time
}

// Store manages idempotency claims against the processed_payments table.
type Store struct {
	db             *sql.DB
	staleThreshold time.Duration
}

// New constructs a Store. staleThreshold bounds how long an in-flight,
// unconfirmed claim is honored before a retry is allowed to reclaim it.
func New(db *sql.DB, staleThreshold time.Duration) *Store {
	return &Store{db: db, staleThreshold: staleThreshold}
}

// Claim attempts to take ownership of processing providerSessionID. The
// processed_payments row itself doubles as the claim marker: a claim in
// progress is represented by a row whose processed_at is set to the claim
// time, finalized by the same row staying in place (the claim IS the
// completion record — there is nothing further to write on success).
func (s *Store) Claim(ctx context.Context, providerSessionID string) (Result, error) {
	now := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_payments (provider_session_id, processed_at)
		VALUES (?, ?)
	`, providerSessionID, now.Unix())
	if err == nil {
		return Result{Outcome: Claimed}, nil
	}

	if !isUniqueConstraintError(err) {
		return Result{}, fmt.Errorf("claim: insert: %w", err)
	}

	// Row already exists. Depending on how old it is, treat it as a
	// finished claim (reject) or a stale one (reclaim by overwriting the
	// timestamp, same "zero rows affected -> check existing state" idiom
	// used for mid-flight HTLC secret reveals).
	existing, getErr := s.IsProcessed(ctx, providerSessionID)
	if getErr != nil {
		return Result{}, getErr
	}
	if existing == nil {
		// Row vanished between insert and read (concurrent Unclaim) -
		// retry the insert once.
		return s.Claim(ctx, providerSessionID)
	}

	if time.Since(*existing) < s.staleThreshold {
		return Result{Outcome: AlreadyClaimed, ExistingProcessedAt: *existing}, nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE processed_payments SET processed_at = ? WHERE provider_session_id = ?
	`, now.Unix(), providerSessionID)
	if err != nil {
		return Result{}, fmt.Errorf("claim: reclaim: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return s.Claim(ctx, providerSessionID)
	}

	return Result{Outcome: Claimed}, nil
}

// IsProcessed returns the processed_at time for providerSessionID, or nil
// if no claim row exists.
func (s *Store) IsProcessed(ctx context.Context, providerSessionID string) (*time.Time, error) {
	var processedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT processed_at FROM processed_payments WHERE provider_session_id = ?
	`, providerSessionID).Scan(&processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: is processed: %w", err)
	}
	t := time.Unix(processedAt, 0)
	return &t, nil
}

// Unclaim removes a claim row, used when processing fails immediately and
// should not wait out the stale threshold before another attempt can run.
func (s *Store) Unclaim(ctx context.Context, providerSessionID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_payments WHERE provider_session_id = ?
	`, providerSessionID)
	if err != nil {
		return fmt.Errorf("claim: unclaim: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotClaimed
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
