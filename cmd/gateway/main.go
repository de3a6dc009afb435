// Command gateway runs the event capture gateway: an HTTP service that
// ingests signed batches of supply-chain events exactly once per client
// idempotency key.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tracegate/capture-gateway/internal/config"
	httpapi "github.com/tracegate/capture-gateway/internal/http"
	"github.com/tracegate/capture-gateway/internal/observability"
	"github.com/tracegate/capture-gateway/internal/repo"
	"github.com/tracegate/capture-gateway/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Local development convenience; the file is optional.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	version = sysutil.FirstNonEmpty(os.Getenv("VERSION"), version)

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx := context.Background()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	// Seed organization secrets from the environment. Production deployments
	// provision the org_secrets table out of band; ORG_SECRETS covers dev and
	// small installations.
	secrets := repo.NewSecretStore(db)
	for org, secret := range cfg.OrgSecrets {
		if err := secrets.UpsertSecret(ctx, org, secret); err != nil {
			log.Fatal().Err(err).Str("org_id", org).Msg("seed org secret failed")
		}
	}
	if n := len(cfg.OrgSecrets); n > 0 {
		log.Info().Int("count", n).Msg("seeded organization secrets")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	httpapi.RegisterRoutes(r, db, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	// Background sweep of expired lease rows. SetIfAbsentWithTTL already
	// deletes the expired row it collides with; the reaper keeps the table
	// from accumulating rows for keys that are never retried.
	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go runLeaseReaper(reapCtx, repo.NewLeaseStore(db), cfg.LeaseReapInterval)

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	stopReaper()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// runLeaseReaper deletes expired lease rows on a fixed interval until ctx is
// canceled.
func runLeaseReaper(ctx context.Context, store *repo.LeaseStore, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.ReapExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("lease reap failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("reaped", n).Msg("expired leases removed")
			}
		}
	}
}
