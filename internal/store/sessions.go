package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrSessionNotFound = errors.New("store: session not found")

// Session is an authenticated admin session. TokenHash is the HMAC of the
// bearer token presented by the client; the raw token is never stored.
type Session struct {
	TokenHash      string
	CSRFToken      string
	Expires        time.Time
	WrappedDataKey string
	UserID         string
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (token_hash, csrf_token, expires, wrapped_data_key, user_id)
		VALUES (?, ?, ?, ?, ?)
	`, sess.TokenHash, sess.CSRFToken, sess.Expires.Unix(), sess.WrappedDataKey, sess.UserID)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by its token hash. Expired sessions are
// still returned so callers can distinguish "expired" from "never existed";
// callers are expected to check Expires themselves.
func (s *Store) GetSession(tokenHash string) (*Session, error) {
	var sess Session
	var expires int64

	err := s.db.QueryRow(`
		SELECT token_hash, csrf_token, expires, wrapped_data_key, user_id
		FROM sessions WHERE token_hash = ?
	`, tokenHash).Scan(&sess.TokenHash, &sess.CSRFToken, &expires, &sess.WrappedDataKey, &sess.UserID)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}

	sess.Expires = time.Unix(expires, 0)
	return &sess, nil
}

// DeleteSession removes a session, used on logout.
func (s *Store) DeleteSession(tokenHash string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// DeleteSessionsByUser removes every session belonging to a user, used on
// password change to invalidate every logged-in session of that user.
func (s *Store) DeleteSessionsByUser(userID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("store: delete sessions by user: %w", err)
	}
	return nil
}

// SweepExpiredSessions deletes every session past its expiry and returns the
// number removed.
func (s *Store) SweepExpiredSessions(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE expires < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: sweep expired sessions: %w", err)
	}
	return result.RowsAffected()
}
