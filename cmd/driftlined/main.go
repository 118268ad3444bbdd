// Package main provides driftlined, the checkout engine daemon.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftline-commerce/driftline/internal/config"
	"github.com/driftline-commerce/driftline/internal/cryptoutil"
	"github.com/driftline-commerce/driftline/internal/httpapi"
	"github.com/driftline-commerce/driftline/internal/keyring"
	"github.com/driftline-commerce/driftline/internal/provider"
	"github.com/driftline-commerce/driftline/internal/ratelimit"
	"github.com/driftline-commerce/driftline/internal/reservation"
	"github.com/driftline-commerce/driftline/internal/store"
	"github.com/driftline-commerce/driftline/internal/webhook"
	"github.com/driftline-commerce/driftline/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

const (
	rateLimitSecretSetting = "ratelimit_hmac_secret"
	staleReservationAge     = 30 * time.Minute
	sweepInterval           = 60 * time.Second
	checkoutMaxAttempts     = 20
	checkoutLockout         = 10 * time.Minute
)

func main() {
	var (
		dbPath            = flag.String("db", "", "Database path, overrides DATABASE_URL")
		apiAddr           = flag.String("api", "", "HTTP API listen address, overrides config")
		logLevel          = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		bootstrapUser     = flag.String("bootstrap-username", "", "Create the owner account with this username and exit")
		bootstrapPassword = flag.String("bootstrap-password", "", "Password for -bootstrap-username")
		showVersion       = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.SetDefault(logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly}))
		logging.GetDefault().Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config/env, matching the teacher's
	// flag-over-LoadConfig layering.
	if *dbPath != "" {
		cfg.DatabaseURL = *dbPath
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("driftlined %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	s, err := store.New(&store.Config{Path: cfg.DatabaseURL})
	if err != nil {
		log.Fatal("Failed to open database", "error", err)
	}
	defer s.Close()
	log.Info("Database opened", "path", cfg.DatabaseURL)

	if *bootstrapUser != "" {
		if *bootstrapPassword == "" {
			log.Fatal("-bootstrap-password is required with -bootstrap-username")
		}
		if cfg.EncryptionKeyB64 == "" {
			log.Fatal("DRIFTLINE_ENCRYPTION_KEY must be set to bootstrap the owner account")
		}
		if err := keyring.Bootstrap(s, *bootstrapUser, *bootstrapPassword, cfg.EncryptionKeyB64, cfg.IndexSecret); err != nil {
			log.Fatal("Bootstrap failed", "error", err)
		}
		log.Info("Owner account created", "username", *bootstrapUser)
		os.Exit(0)
	}

	reservations := reservation.New(s.DB())

	rlSecret, err := rateLimitSecret(s)
	if err != nil {
		log.Fatal("Failed to initialize rate limiter secret", "error", err)
	}
	checkoutRL := ratelimit.New(s, rlSecret, checkoutMaxAttempts, checkoutLockout)

	// The payment provider is configured post-/setup through the
	// out-of-scope admin surface, which persists credentials encrypted
	// under the owner's DATA_KEY; driftlined itself never holds a
	// session, so it cannot decrypt them at boot. It starts with no
	// provider wired, and nothing in this process installs one later:
	// /api/checkout and /payment/webhook answer NotConfigured for the
	// life of the process.
	var prov *provider.Provider
	var integrator *webhook.Integrator

	server := httpapi.New(s, reservations, checkoutRL, prov, integrator)
	if err := server.Start(cfg.APIAddr); err != nil {
		log.Fatal("Failed to start HTTP API", "error", err)
	}

	stopSweep := make(chan struct{})
	go runSweeper(log, reservations, stopSweep)

	log.Info("driftlined started", "addr", cfg.APIAddr, "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	close(stopSweep)

	if err := server.Stop(); err != nil {
		log.Error("Error stopping HTTP API", "error", err)
	}

	log.Info("Goodbye!")
}

// rateLimitSecret loads (or creates, on first run) the HMAC secret used to
// hash client IPs at rest. Unlike provider credentials this is not
// per-merchant secret material, so it is stored unencrypted, the same way
// the teacher persists operational, non-financial settings in the clear.
func rateLimitSecret(s *store.Store) ([]byte, error) {
	existing, ok, err := s.GetSetting(nil, rateLimitSecretSetting)
	if err != nil {
		return nil, err
	}
	if ok && existing != "" {
		return []byte(existing), nil
	}

	raw, err := cryptoutil.GenerateToken(32)
	if err != nil {
		return nil, err
	}
	secret := hex.EncodeToString(raw)
	if err := s.SetSetting(nil, rateLimitSecretSetting, secret); err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

func runSweeper(log *logging.Logger, reservations *reservation.Engine, stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			expired, err := reservations.SweepStale(context.Background(), staleReservationAge)
			if err != nil {
				log.Error("Reservation sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				log.Info("Swept stale reservations", "expired", expired)
			}
		}
	}
}
