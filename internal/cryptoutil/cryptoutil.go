// Package cryptoutil provides the symmetric/asymmetric primitives the rest
// of driftline builds its key hierarchy and webhook verification on:
// AES-256-GCM envelope encryption, HMAC-SHA256, PBKDF2 password hashing,
// RSA-OAEP keypairs, constant-time comparison, and random token generation.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Sentinel errors, in the teacher's style of package-level errors.New.
var (
	ErrDecryptFailed   = errors.New("cryptoutil: decrypt failed")
	ErrInvalidKeyFormat = errors.New("cryptoutil: invalid key format")
	ErrHashMismatch    = errors.New("cryptoutil: hash mismatch")
)

// envelopeVersion is the only supported on-disk encryption envelope tag.
const envelopeVersion = "enc:1:"

// Encrypt seals plaintext under key (must be 16/24/32 bytes) using
// AES-GCM and returns the versioned envelope "enc:1:<base64 iv||ct||tag>".
func Encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return envelopeVersion + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an "enc:1:" envelope produced by Encrypt under key.
// Any other prefix, malformed base64, or GCM tag mismatch yields
// ErrDecryptFailed.
func Decrypt(key []byte, envelope string) ([]byte, error) {
	if !strings.HasPrefix(envelope, envelopeVersion) {
		return nil, ErrDecryptFailed
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopeVersion))
	if err != nil {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrDecryptFailed
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// IsEncryptedValue reports whether value carries the "enc:1:" envelope tag.
func IsEncryptedValue(value string) bool {
	return strings.HasPrefix(value, envelopeVersion)
}

// HMACSHA256Hex returns hex(HMAC-SHA256(key, data)).
func HMACSHA256Hex(key, data []byte) string {
	return fmt.Sprintf("%x", hmacSHA256(key, data))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(func() hash.Hash { return sha256.New() }, key)
	h.Write(data)
	return h.Sum(nil)
}

// ConstantTimeEqual compares a and b in constant time. Per the resolved
// Open Question, it does NOT hash variable-length inputs first: length
// mismatches short-circuit (as subtle.ConstantTimeCompare does for
// fixed-length digests). Callers comparing variable-length secrets must
// hash them to a fixed length before calling this.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// PBKDF2 parameters. 310,000 rounds follows OWASP's 2023 recommendation
// for PBKDF2-HMAC-SHA256.
const (
	pbkdf2Iterations = 310000
	pbkdf2SaltLen    = 16
	pbkdf2KeyLen     = 32
)

// HashPassword derives a PBKDF2-SHA256 hash of password and returns it in
// the form "pbkdf2:<iterations>:<salt-b64>:<hash-b64>".
func HashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptoutil: generate salt: %w", err)
	}

	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	return fmt.Sprintf("pbkdf2:%d:%s:%s",
		pbkdf2Iterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks password against a "pbkdf2:..." hash produced by
// HashPassword. Returns ErrHashMismatch on mismatch, ErrInvalidKeyFormat
// on a malformed stored hash.
func VerifyPassword(stored, password string) error {
	parts := strings.Split(stored, ":")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return ErrInvalidKeyFormat
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return ErrInvalidKeyFormat
	}

	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return ErrInvalidKeyFormat
	}

	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return ErrInvalidKeyFormat
	}

	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	if !ConstantTimeEqual(got, want) {
		return ErrHashMismatch
	}

	return nil
}

// DeriveKey derives a fixed-length key from password and salt using
// PBKDF2-SHA256. Used to derive the KEK in internal/keyring.
func DeriveKey(password string, salt []byte, keyLen int) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLen, sha256.New)
}

// GenerateSalt returns n cryptographically random bytes.
func GenerateSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate salt: %w", err)
	}
	return salt, nil
}

// GenerateToken returns n cryptographically random bytes, suitable for
// session tokens and DATA_KEY material.
func GenerateToken(n int) ([]byte, error) {
	token := make([]byte, n)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate token: %w", err)
	}
	return token, nil
}
