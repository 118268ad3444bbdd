// Package config provides centralized configuration for driftline. Process
// settings (database location, bootstrap key, allowed hosts) load here, the
// same place the teacher centralized exchange parameters; per-merchant
// settings (provider credentials, currency) live encrypted in
// internal/store instead, since those are runtime, tenant-scoped data
// rather than process configuration.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds the process-level configuration for driftlined.
type Config struct {
	// DatabaseURL is the SQLite database file path, handed to store.New,
	// which appends its own connection parameters (WAL journal, busy
	// timeout) before calling sql.Open.
	DatabaseURL string

	// DatabaseAuthToken is read for forward compatibility with a remote
	// libSQL/Turso-style store reachable over DatabaseURL. The local
	// SQLite driver ignores it.
	DatabaseAuthToken string

	// EncryptionKeyB64 is the 32-byte base64 bootstrap key consumed once
	// by keyring.Bootstrap during /setup. It is never part of the
	// per-request key path.
	EncryptionKeyB64 string

	// IndexSecret is the HMAC key internal/keyring uses to build
	// deterministic, non-reversible lookup indices (username index,
	// session token hash, KEK salt derivation). It is security-critical
	// and process-wide, so it is read once here rather than hardcoded.
	IndexSecret string

	// AllowedHosts is the Host header allowlist checked by AllowsHost,
	// comma-separated in the environment. Empty means no restriction.
	// internal/httpapi does not consult it.
	AllowedHosts []string

	// APIAddr is the listen address for the HTTP API.
	APIAddr string

	// LogLevel is the structured logger's minimum level.
	LogLevel string
}

// DefaultConfig returns a Config with sensible defaults for local
// development; Load/CLI flags override these.
func DefaultConfig() *Config {
	return &Config{
		DatabaseURL: "./driftline.db",
		APIAddr:     "127.0.0.1:8080",
		LogLevel:    "info",
	}
}

// Load builds a Config from defaults overlaid with environment variables.
// CLI flags in cmd/driftlined layer on top of the result, mirroring how
// the teacher's main layers flag overrides over node.LoadConfig.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	cfg.DatabaseAuthToken = os.Getenv("DATABASE_AUTH_TOKEN")
	cfg.EncryptionKeyB64 = os.Getenv("DRIFTLINE_ENCRYPTION_KEY")
	cfg.IndexSecret = os.Getenv("DRIFTLINE_INDEX_SECRET")

	if v := os.Getenv("ALLOWED_HOSTS"); v != "" {
		cfg.AllowedHosts = parseHostList(v)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL must not be empty")
	}
	if cfg.IndexSecret == "" {
		return nil, fmt.Errorf("config: DRIFTLINE_INDEX_SECRET must not be empty")
	}

	return cfg, nil
}

// AllowsHost reports whether host is permitted, per the Host header
// allowlist. An empty AllowedHosts means every host is permitted.
func (c *Config) AllowsHost(host string) bool {
	if len(c.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range c.AllowedHosts {
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

func parseHostList(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
