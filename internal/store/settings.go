package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/driftline-commerce/driftline/internal/cryptoutil"
)

// EncryptedSettingKeys is the fixed allow-list of setting keys whose values
// are encrypted under DATA_KEY on write and decrypted on read. Keys not in
// this set are stored verbatim.
var EncryptedSettingKeys = map[string]bool{
	"wrapped_private_key":          true,
	"stripe_secret_key":            true,
	"stripe_webhook_secret":        true,
	"square_access_token":          true,
	"square_webhook_signature_key": true,
}

// Recognised setting keys (spec.md §6), named for documentation and for
// callers that want to validate a key before writing it.
const (
	SettingSetupComplete           = "setup_complete"
	SettingCurrencyCode             = "currency_code"
	SettingWrappedPrivateKey        = "wrapped_private_key"
	SettingPublicKey                = "public_key"
	SettingPaymentProvider          = "payment_provider"
	SettingStripeSecretKey          = "stripe_secret_key"
	SettingStripeWebhookSecret      = "stripe_webhook_secret"
	SettingStripeWebhookEndpointID  = "stripe_webhook_endpoint_id"
	SettingSquareAccessToken        = "square_access_token"
	SettingSquareLocationID         = "square_location_id"
	SettingSquareWebhookSigningKey  = "square_webhook_signature_key"
	SettingWebhookURL               = "webhook_url"
	SettingAllowedOrigins           = "allowed_origins"
	SettingLatestDBUpdate           = "latest_db_update"
)

// GetSetting returns the decrypted value for key, or (nil-ish) ok=false if
// absent. If key is in EncryptedSettingKeys and decryption fails, it
// returns cryptoutil.ErrDecryptFailed rather than an empty string.
func (s *Store) GetSetting(dataKey []byte, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting: %w", err)
	}
	if !value.Valid {
		return "", true, nil
	}

	if EncryptedSettingKeys[key] {
		plaintext, err := cryptoutil.Decrypt(dataKey, value.String)
		if err != nil {
			return "", true, err
		}
		return string(plaintext), true, nil
	}

	return value.String, true, nil
}

// SetSetting writes key=value, encrypting under dataKey first if key is a
// recognised encrypted setting. Last-writer-wins on the primary key.
func (s *Store) SetSetting(dataKey []byte, key, value string) error {
	stored := value
	if EncryptedSettingKeys[key] {
		envelope, err := cryptoutil.Encrypt(dataKey, []byte(value))
		if err != nil {
			return fmt.Errorf("store: encrypt setting: %w", err)
		}
		stored = envelope
	}

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, stored, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: set setting: %w", err)
	}

	return nil
}

// DeleteSetting removes a setting.
func (s *Store) DeleteSetting(key string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("store: delete setting: %w", err)
	}
	return nil
}
