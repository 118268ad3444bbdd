package keyring

import (
	"encoding/base64"
	"fmt"

	"github.com/driftline-commerce/driftline/internal/cryptoutil"
	"github.com/driftline-commerce/driftline/internal/store"
)

// Bootstrap creates the single owner account during the one-time /setup
// flow. encryptionKeyB64 is the DRIFTLINE_ENCRYPTION_KEY environment
// variable. Bootstrap only checks that it decodes as base64 (its decoded
// length is not checked) and does not otherwise use it: the owner's
// DATA_KEY is freshly random. Once the owner account exists, every later
// request resolves its key through Login/Resolve.
func Bootstrap(s *store.Store, username, password, encryptionKeyB64, indexSecret string) error {
	count, err := s.CountUsers()
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("keyring: bootstrap called with existing users")
	}

	if _, err := base64.StdEncoding.DecodeString(encryptionKeyB64); err != nil {
		return fmt.Errorf("keyring: invalid DRIFTLINE_ENCRYPTION_KEY: %w", err)
	}

	usernameIndex := cryptoutil.HMACSHA256Hex([]byte(indexSecret), []byte(username))

	dataKey, err := cryptoutil.GenerateToken(dataKeyLen)
	if err != nil {
		return err
	}

	passwordHash, err := cryptoutil.HashPassword(password)
	if err != nil {
		return err
	}

	kek := DeriveKEK(password, kekSalt(usernameIndex))
	wrappedDataKey, err := WrapDataKey(dataKey, kek)
	if err != nil {
		return err
	}

	id, err := cryptoutil.GenerateToken(16)
	if err != nil {
		return err
	}

	user := &store.User{
		ID:             fmt.Sprintf("%x", id),
		UsernameIndex:  usernameIndex,
		UsernameHash:   usernameIndex,
		PasswordHash:   passwordHash,
		WrappedDataKey: wrappedDataKey,
		AdminLevel:     string(store.AdminLevelOwner),
	}

	return s.CreateUser(user)
}
