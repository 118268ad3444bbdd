package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RateLimit tracks failed-attempt state for a hashed client IP.
type RateLimit struct {
	HashedIP    string
	Attempts    int64
	LockedUntil time.Time // zero value means not locked
}

// GetRateLimit retrieves the rate-limit row for a hashed IP, or a zero-value
// RateLimit with Attempts 0 if no row exists yet.
func (s *Store) GetRateLimit(hashedIP string) (*RateLimit, error) {
	var rl RateLimit
	var lockedUntil sql.NullInt64

	err := s.db.QueryRow(`
		SELECT hashed_ip, attempts, locked_until FROM rate_limits WHERE hashed_ip = ?
	`, hashedIP).Scan(&rl.HashedIP, &rl.Attempts, &lockedUntil)
	if err == sql.ErrNoRows {
		return &RateLimit{HashedIP: hashedIP}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get rate limit: %w", err)
	}

	if lockedUntil.Valid {
		rl.LockedUntil = time.Unix(lockedUntil.Int64, 0)
	}
	return &rl, nil
}

// RecordAttempt increments the attempt counter for hashedIP and, if lockUntil
// is non-zero, sets the lockout expiry, all in one upsert.
func (s *Store) RecordAttempt(hashedIP string, lockUntil time.Time) error {
	var lockedUnix sql.NullInt64
	if !lockUntil.IsZero() {
		lockedUnix = sql.NullInt64{Int64: lockUntil.Unix(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO rate_limits (hashed_ip, attempts, locked_until) VALUES (?, 1, ?)
		ON CONFLICT(hashed_ip) DO UPDATE SET
			attempts = rate_limits.attempts + 1,
			locked_until = excluded.locked_until
	`, hashedIP, lockedUnix)
	if err != nil {
		return fmt.Errorf("store: record attempt: %w", err)
	}
	return nil
}

// ClearAttempts resets the attempt counter and lockout for hashedIP, used on
// a successful authentication.
func (s *Store) ClearAttempts(hashedIP string) error {
	_, err := s.db.Exec(`DELETE FROM rate_limits WHERE hashed_ip = ?`, hashedIP)
	if err != nil {
		return fmt.Errorf("store: clear attempts: %w", err)
	}
	return nil
}

// PurgeExpiredRateLimits deletes every row whose lockout has already
// passed, so a client's attempt counter resets rather than staying
// pinned at maxAttempts forever once a lockout expires.
func (s *Store) PurgeExpiredRateLimits(now time.Time) error {
	_, err := s.db.Exec(`DELETE FROM rate_limits WHERE locked_until IS NOT NULL AND locked_until <= ?`, now.Unix())
	if err != nil {
		return fmt.Errorf("store: purge expired rate limits: %w", err)
	}
	return nil
}
