package keyring

import (
	"path/filepath"
	"testing"

	"github.com/driftline-commerce/driftline/internal/sessioncache"
	"github.com/driftline-commerce/driftline/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(&store.Config{Path: path})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const (
	testEncryptionKey = "c2VjcmV0LWtleS1mb3ItdGVzdGluZy1vbmx5ISE="
	testIndexSecret   = "test-index-secret"
)

func TestBootstrapAndLogin(t *testing.T) {
	s := newTestStore(t)

	if err := Bootstrap(s, "owner", "hunter2-hunter2", testEncryptionKey, testIndexSecret); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	token, err := Login(s, "owner", "hunter2-hunter2", testIndexSecret)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token == "" {
		t.Fatal("Login() returned empty token")
	}

	dataKey, userID, err := Resolve(s, token, testIndexSecret)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(dataKey) != dataKeyLen {
		t.Errorf("Resolve() dataKey length = %d, want %d", len(dataKey), dataKeyLen)
	}
	if userID == "" {
		t.Error("Resolve() returned empty userID")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := newTestStore(t)
	if err := Bootstrap(s, "owner", "correct-password", testEncryptionKey, testIndexSecret); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	if _, err := Login(s, "owner", "wrong-password", testIndexSecret); err != ErrInvalidCredentials {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestBootstrapRejectsSecondOwner(t *testing.T) {
	s := newTestStore(t)
	if err := Bootstrap(s, "owner", "password-one", testEncryptionKey, testIndexSecret); err != nil {
		t.Fatalf("first Bootstrap() error = %v", err)
	}

	if err := Bootstrap(s, "owner2", "password-two", testEncryptionKey, testIndexSecret); err == nil {
		t.Error("second Bootstrap() error = nil, want error (exactly one owner)")
	}
}

func TestResolveRejectsUnknownToken(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := Resolve(s, "deadbeef", testIndexSecret); err != ErrSessionNotFound {
		t.Errorf("Resolve() error = %v, want ErrSessionNotFound", err)
	}
}

// TestChangePasswordRewrapsAndInvalidatesSessions covers scenario 6: after
// a password change, the old session token must stop resolving and the
// new password must unlock the same DATA_KEY (so settings ciphertexts
// stay readable without re-encrypting them).
func TestChangePasswordRewrapsAndInvalidatesSessions(t *testing.T) {
	s := newTestStore(t)
	if err := Bootstrap(s, "owner", "old-password", testEncryptionKey, testIndexSecret); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	token, err := Login(s, "owner", "old-password", testIndexSecret)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	dataKeyBefore, userID, err := Resolve(s, token, testIndexSecret)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if err := ChangePassword(s, userID, "old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	if _, _, err := Resolve(s, token, testIndexSecret); err != ErrSessionNotFound {
		t.Errorf("Resolve(old token) after ChangePassword() error = %v, want ErrSessionNotFound", err)
	}

	if _, err := Login(s, "owner", "old-password", testIndexSecret); err != ErrInvalidCredentials {
		t.Errorf("Login(old password) after ChangePassword() error = %v, want ErrInvalidCredentials", err)
	}

	newToken, err := Login(s, "owner", "new-password", testIndexSecret)
	if err != nil {
		t.Fatalf("Login(new password) error = %v", err)
	}
	dataKeyAfter, _, err := Resolve(s, newToken, testIndexSecret)
	if err != nil {
		t.Fatalf("Resolve(new token) error = %v", err)
	}

	if string(dataKeyBefore) != string(dataKeyAfter) {
		t.Error("DATA_KEY changed across password change, want unchanged (settings ciphertexts must stay readable)")
	}
}

func TestResolveCachedServesSecondLookupFromCache(t *testing.T) {
	s := newTestStore(t)
	if err := Bootstrap(s, "owner", "hunter2-hunter2", testEncryptionKey, testIndexSecret); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	token, err := Login(s, "owner", "hunter2-hunter2", testIndexSecret)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	cache, err := sessioncache.New(sessioncache.DefaultSize, sessioncache.DefaultTTL)
	if err != nil {
		t.Fatalf("sessioncache.New() error = %v", err)
	}

	dataKey1, userID1, err := ResolveCached(s, cache, token, testIndexSecret)
	if err != nil {
		t.Fatalf("ResolveCached() first call error = %v", err)
	}

	// Delete the underlying session row; a cache hit must not need it.
	if err := s.DeleteSessionsByUser(userID1); err != nil {
		t.Fatalf("DeleteSessionsByUser() error = %v", err)
	}

	dataKey2, userID2, err := ResolveCached(s, cache, token, testIndexSecret)
	if err != nil {
		t.Fatalf("ResolveCached() cached call error = %v", err)
	}
	if string(dataKey1) != string(dataKey2) || userID1 != userID2 {
		t.Error("ResolveCached() cached result diverged from first call")
	}
}
