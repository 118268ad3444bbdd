// Package ratelimit implements an IP-hashed attempt limiter backed by
// internal/store's rate_limits table.
package ratelimit

import (
	"time"

	"github.com/driftline-commerce/driftline/internal/cryptoutil"
	"github.com/driftline-commerce/driftline/internal/store"
)

// Limiter enforces a max-attempts-per-lockout-window policy per client IP.
// IPs are never stored in the clear: every row is keyed by an HMAC of the
// IP under secret.
type Limiter struct {
	store           *store.Store
	secret          []byte
	maxAttempts     int64
	lockoutDuration time.Duration
}

// New constructs a Limiter. secret is an HMAC key distinct from DATA_KEY
// and any session-token key — it only ever protects IP addresses at rest.
func New(s *store.Store, secret []byte, maxAttempts int, lockoutDuration time.Duration) *Limiter {
	return &Limiter{
		store:           s,
		secret:          secret,
		maxAttempts:     int64(maxAttempts),
		lockoutDuration: lockoutDuration,
	}
}

func (l *Limiter) hash(ip string) string {
	return cryptoutil.HMACSHA256Hex(l.secret, []byte(ip))
}

// IsRateLimited reports whether ip is currently locked out. A row whose
// lockout has already expired is purged as a side effect, so the next
// RecordAttempt starts from a clean attempt count instead of inheriting
// a stale one.
func (l *Limiter) IsRateLimited(ip string) (bool, error) {
	hashed := l.hash(ip)

	rl, err := l.store.GetRateLimit(hashed)
	if err != nil {
		return false, err
	}
	if rl.LockedUntil.IsZero() {
		return false, nil
	}
	if !time.Now().Before(rl.LockedUntil) {
		if err := l.store.ClearAttempts(hashed); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RecordAttempt records a failed attempt for ip. Once attempts reach
// maxAttempts it sets a lockout expiry lockoutDuration in the future and
// reports locked=true.
func (l *Limiter) RecordAttempt(ip string) (locked bool, err error) {
	hashed := l.hash(ip)

	if err := l.store.PurgeExpiredRateLimits(time.Now()); err != nil {
		return false, err
	}

	rl, err := l.store.GetRateLimit(hashed)
	if err != nil {
		return false, err
	}

	nextAttempts := rl.Attempts + 1
	var lockUntil time.Time
	if nextAttempts >= l.maxAttempts {
		lockUntil = time.Now().Add(l.lockoutDuration)
		locked = true
	}

	if err := l.store.RecordAttempt(hashed, lockUntil); err != nil {
		return false, err
	}

	return locked, nil
}

// ClearAttempts resets the counter for ip, called after a successful
// authentication.
func (l *Limiter) ClearAttempts(ip string) error {
	return l.store.ClearAttempts(l.hash(ip))
}
