// Package keyring implements driftline's key hierarchy: a per-user KEK
// derived from a password wraps a DATA_KEY, which in turn encrypts
// settings and is re-wrapped per session so the per-request path never
// needs the password again.
package keyring

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/driftline-commerce/driftline/internal/cryptoutil"
	"github.com/driftline-commerce/driftline/internal/sessioncache"
	"github.com/driftline-commerce/driftline/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("keyring: invalid credentials")
	ErrSessionExpired     = errors.New("keyring: session expired")
	ErrSessionNotFound    = errors.New("keyring: session not found")
)

const (
	kekSaltLen      = 16
	dataKeyLen      = 32
	sessionTokenLen = 32
	csrfTokenLen    = 32
	sessionLifetime = 24 * time.Hour
	sessionWrapInfo = "datakey-wrap"
)

// indexSecret is a process-wide HMAC key used only to build deterministic,
// non-reversible lookup indices (username index, session token hash, KEK
// salt derivation) — distinct from DATA_KEY, never used to wrap plaintext
// settings. Callers pass config.Config.IndexSecret (DRIFTLINE_INDEX_SECRET)
// through; every function below takes it explicitly rather than reading a
// package-level value, so the secret never needs to be anything but
// config-sourced.

// DeriveKEK derives a key-encryption-key from password and salt.
func DeriveKEK(password string, salt []byte) []byte {
	return cryptoutil.DeriveKey(password, salt, dataKeyLen)
}

// WrapDataKey seals dataKey under kek.
func WrapDataKey(dataKey, kek []byte) (string, error) {
	return cryptoutil.Encrypt(kek, dataKey)
}

// UnwrapDataKey opens a DATA_KEY envelope produced by WrapDataKey.
func UnwrapDataKey(wrapped string, kek []byte) ([]byte, error) {
	return cryptoutil.Decrypt(kek, wrapped)
}

// WrapDataKeyForSession seals dataKey under a key derived from the raw
// session token via HMAC-SHA256(sessionToken, "datakey-wrap"), so the
// per-request path can recover DATA_KEY from the bearer token alone.
func WrapDataKeyForSession(dataKey, sessionToken []byte) (string, error) {
	sessionKey, err := sessionAESKey(sessionToken)
	if err != nil {
		return "", err
	}
	return cryptoutil.Encrypt(sessionKey, dataKey)
}

// UnwrapDataKeyForSession is the inverse of WrapDataKeyForSession.
func UnwrapDataKeyForSession(wrapped string, sessionToken []byte) ([]byte, error) {
	sessionKey, err := sessionAESKey(sessionToken)
	if err != nil {
		return nil, err
	}
	return cryptoutil.Decrypt(sessionKey, wrapped)
}

func sessionAESKey(sessionToken []byte) ([]byte, error) {
	hexKey := cryptoutil.HMACSHA256Hex(sessionToken, []byte(sessionWrapInfo))
	return hex.DecodeString(hexKey)
}

// Login verifies username/password against the store, unwraps DATA_KEY,
// mints a new session token, re-wraps DATA_KEY under it, and persists the
// session row. Returns the raw bearer token to hand back to the client.
func Login(s *store.Store, username, password, indexSecret string) (sessionToken string, err error) {
	usernameIndex := cryptoutil.HMACSHA256Hex([]byte(indexSecret), []byte(username))

	user, err := s.GetUserByUsernameIndex(usernameIndex)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if verr := cryptoutil.VerifyPassword(user.PasswordHash, password); verr != nil {
		return "", ErrInvalidCredentials
	}

	kek := DeriveKEK(password, kekSalt(usernameIndex))
	dataKey, err := UnwrapDataKey(user.WrappedDataKey, kek)
	if err != nil {
		return "", ErrInvalidCredentials
	}

	tokenBytes, err := cryptoutil.GenerateToken(sessionTokenLen)
	if err != nil {
		return "", err
	}
	csrfBytes, err := cryptoutil.GenerateToken(csrfTokenLen)
	if err != nil {
		return "", err
	}

	wrappedForSession, err := WrapDataKeyForSession(dataKey, tokenBytes)
	if err != nil {
		return "", err
	}

	sess := &store.Session{
		TokenHash:      tokenHash(tokenBytes, indexSecret),
		CSRFToken:      hex.EncodeToString(csrfBytes),
		Expires:        time.Now().Add(sessionLifetime),
		WrappedDataKey: wrappedForSession,
		UserID:         user.ID,
	}
	if err := s.CreateSession(sess); err != nil {
		return "", err
	}

	return hex.EncodeToString(tokenBytes), nil
}

// Resolve recovers DATA_KEY and the owning user id from a raw bearer
// token, without re-deriving KEK from a password — this is the per-request
// path and must stay cheap.
func Resolve(s *store.Store, sessionToken, indexSecret string) (dataKey []byte, userID string, err error) {
	tokenBytes, err := hex.DecodeString(sessionToken)
	if err != nil {
		return nil, "", ErrSessionNotFound
	}

	sess, err := s.GetSession(tokenHash(tokenBytes, indexSecret))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, "", ErrSessionNotFound
		}
		return nil, "", err
	}

	if time.Now().After(sess.Expires) {
		return nil, "", ErrSessionExpired
	}

	dataKey, err = UnwrapDataKeyForSession(sess.WrappedDataKey, tokenBytes)
	if err != nil {
		return nil, "", err
	}

	return dataKey, sess.UserID, nil
}

// ResolveCached is Resolve with a sessioncache.Cache front: a cache hit
// skips the store round trip and the session-key unwrap entirely; a miss
// falls through to Resolve and populates the cache for subsequent calls.
func ResolveCached(s *store.Store, cache *sessioncache.Cache, sessionToken, indexSecret string) (dataKey []byte, userID string, err error) {
	key := tokenHash([]byte(sessionToken), indexSecret)

	if entry, ok := cache.Get(key); ok {
		return entry.DataKey, entry.UserID, nil
	}

	dataKey, userID, err = Resolve(s, sessionToken, indexSecret)
	if err != nil {
		return nil, "", err
	}

	cache.Put(key, dataKey, userID)
	return dataKey, userID, nil
}

// ChangePassword re-derives KEK under the new password, re-wraps DATA_KEY,
// and invalidates every session for the user. Ciphertexts encrypted
// under DATA_KEY are untouched.
func ChangePassword(s *store.Store, userID, oldPassword, newPassword string) error {
	user, err := s.GetUser(userID)
	if err != nil {
		return err
	}

	if verr := cryptoutil.VerifyPassword(user.PasswordHash, oldPassword); verr != nil {
		return ErrInvalidCredentials
	}

	oldKEK := DeriveKEK(oldPassword, kekSalt(user.UsernameIndex))
	dataKey, err := UnwrapDataKey(user.WrappedDataKey, oldKEK)
	if err != nil {
		return ErrInvalidCredentials
	}

	newKEK := DeriveKEK(newPassword, kekSalt(user.UsernameIndex))
	rewrapped, err := WrapDataKey(dataKey, newKEK)
	if err != nil {
		return err
	}

	newHash, err := cryptoutil.HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.UpdateUserWrappedDataKey(user.ID, rewrapped, newHash); err != nil {
		return err
	}

	return s.DeleteSessionsByUser(user.ID)
}

func tokenHash(tokenBytes []byte, indexSecret string) string {
	return cryptoutil.HMACSHA256Hex([]byte(indexSecret), tokenBytes)
}

// kekSalt derives a deterministic, per-user KEK salt from the username
// index, so KEK derivation does not need its own salt column on users.
func kekSalt(usernameIndex string) []byte {
	salt, err := hex.DecodeString(usernameIndex)
	if err != nil || len(salt) < kekSaltLen {
		return []byte(usernameIndex)[:min(kekSaltLen, len(usernameIndex))]
	}
	return salt[:kekSaltLen]
}
