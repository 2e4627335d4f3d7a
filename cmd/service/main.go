// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Wasif-ZA/decision.log-sub001/internal/api"
	"github.com/Wasif-ZA/decision.log-sub001/internal/candidate"
	"github.com/Wasif-ZA/decision.log-sub001/internal/config"
	"github.com/Wasif-ZA/decision.log-sub001/internal/extract"
	"github.com/Wasif-ZA/decision.log-sub001/internal/github"
	"github.com/Wasif-ZA/decision.log-sub001/internal/governor"
	"github.com/Wasif-ZA/decision.log-sub001/internal/sieve"
	"github.com/Wasif-ZA/decision.log-sub001/internal/store"
	"github.com/Wasif-ZA/decision.log-sub001/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	db := store.NewPostgres(dbpool)
	platform := github.NewClient(logger, cfg.Sieve.MaxPatchBytes)
	sv := sieve.New(cfg.Sieve)
	gov := governor.New(db, cfg.Governor, logger)

	extractor, err := extract.NewClient(cfg.AnthropicAPIKey, cfg.ExtractionModel, logger)
	if err != nil {
		return fmt.Errorf("failed to create extraction client: %w", err)
	}

	orc := syncer.NewOrchestrator(db, platform, sv, logger, syncer.Options{
		LookbackDays:  cfg.SyncLookback,
		CursorOverlap: cfg.CursorOverlap,
		MaxPages:      cfg.SyncMaxPages,
	})
	candidates := candidate.NewService(db, gov, extractor, logger)

	creds := staticCredentials{token: cfg.GithubToken}
	scheduler := syncer.NewScheduler(orc, db, creds, logger, cfg.SyncInterval, cfg.SyncStuckAfter)

	// 6. Start the scheduler in a separate goroutine
	go scheduler.Start(ctx)

	// 7. Start the HTTP server
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(orc, candidates, gov, creds, logger),
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// 8. Wait for shutdown signal
	logger.Info("Application started. Waiting for shutdown signal...")
	<-ctx.Done()
	logger.Info("Shutdown signal received. Exiting.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	return nil
}

// staticCredentials serves one platform token for every user. The multi-user
// OAuth token store lives in the front-end service; a single-tenant deploy
// runs off GITHUB_TOKEN.
type staticCredentials struct {
	token string
}

func (s staticCredentials) Token(ctx context.Context, userID int64) (string, error) {
	return s.token, nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
