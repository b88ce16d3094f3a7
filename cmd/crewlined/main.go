package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	v1 "github.com/crewline/crewline/internal/api/v1"
	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/recovery"
	"github.com/crewline/crewline/internal/secrets"
	"github.com/crewline/crewline/internal/server"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/store/postgres"
	redisstore "github.com/crewline/crewline/internal/store/redis"
	"github.com/crewline/crewline/internal/worktree"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("CREWLINE_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("CREWLINE_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Optional Redis mirror so external processes can follow session events.
	var mirror events.Mirror
	if cfg.Redis.Enabled {
		pubsub, redisErr := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if redisErr != nil {
			return redisErr
		}
		defer pubsub.Close()
		mirror = pubsub
	}

	bus := events.NewBus(mirror)
	defer bus.Close()

	// Encrypted credential store. Without a key, agents inherit only the
	// daemon's own environment.
	var (
		supplier session.CredentialSupplier
		admin    v1.CredentialAdmin
	)
	if cfg.Secrets.Enabled() {
		key, keyErr := cfg.Secrets.KeyBytes()
		if keyErr != nil {
			return keyErr
		}
		vault, vaultErr := secrets.NewVault(key)
		if vaultErr != nil {
			return vaultErr
		}
		fileStore := secrets.NewFileStore(cfg.Secrets.File)
		supplier = secrets.NewSupplier(vault, fileStore)
		admin = secrets.NewAdmin(vault, fileStore)
	} else {
		log.Warn().Msg("CREWLINE_SECRETS_KEY not set; credential storage disabled")
		admin = disabledCredentials{}
	}

	svc := session.NewService(session.ServiceParams{
		Stores: session.Stores{
			Sessions:    store.Sessions(),
			History:     store.History(),
			Checkpoints: store.Checkpoints(),
			PlanFiles:   store.PlanFiles(),
			Pending:     store.Pending(),
		},
		Worktrees:   worktree.NewManager(cfg.Worktree.Root, ""),
		Registry:    session.NewRegistry(cfg.Session.MaxParallel),
		Bus:         bus,
		Launcher:    session.ProcessLauncher{Grace: cfg.Session.GracePeriod},
		Agents:      cfg.Agents,
		Config:      cfg.Session,
		Credentials: supplier,
	})

	// Reconcile sessions left non-terminal by the previous daemon run
	// before accepting traffic.
	coordinator := recovery.NewCoordinator(store.Sessions(), store.History(), svc, cfg.Agents, bus)
	if recoverErr := coordinator.Run(ctx); recoverErr != nil {
		return recoverErr
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(ctx, cfg, server.Deps{
		Sessions:    svc,
		Credentials: admin,
		Agents:      cfg.Agents,
		Bus:         bus,
	})

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	// Stop running machines last so in-flight writes land before the pool
	// closes.
	if shutdownErr := svc.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("session shutdown")
	}

	log.Info().Msg("stopped")
	return nil
}

// disabledCredentials rejects credential writes when no encryption key is
// configured.
type disabledCredentials struct{}

func (disabledCredentials) Put(_, _, _ string) error {
	return fmt.Errorf("credential storage disabled: set CREWLINE_SECRETS_KEY")
}

func (disabledCredentials) List(_ string) ([]string, error) { return nil, nil }

func (disabledCredentials) Delete(_, _ string) error { return nil }
