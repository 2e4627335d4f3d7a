// internal/syncer/scheduler.go
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Wasif-ZA/decision.log-sub001/internal/store"
)

const (
	// Number of repositories to sync in parallel. Runs for different
	// repositories are independent and need no coordination.
	concurrency = 5
)

// CredentialProvider supplies a decrypted bearer credential for the code
// hosting platform, scoped per user. The pipeline never sees encryption keys.
type CredentialProvider interface {
	Token(ctx context.Context, userID int64) (string, error)
}

// Scheduler periodically syncs every enabled repository and reconciles runs
// stuck in syncing.
type Scheduler struct {
	orchestrator *Orchestrator
	db           store.Store
	credentials  CredentialProvider
	logger       *slog.Logger
	interval     time.Duration
	stuckAfter   time.Duration
}

// NewScheduler creates a Scheduler.
func NewScheduler(orc *Orchestrator, db store.Store, creds CredentialProvider, logger *slog.Logger, interval, stuckAfter time.Duration) *Scheduler {
	return &Scheduler{
		orchestrator: orc,
		db:           db,
		credentials:  creds,
		logger:       logger,
		interval:     interval,
		stuckAfter:   stuckAfter,
	}
}

// Start begins the continuous synchronization process.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", "interval", s.interval.String(), "concurrency", concurrency)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx) // Initial sync

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
		case <-ctx.Done():
			s.logger.Info("Scheduler shutting down", "reason", ctx.Err())
			return
		}
	}
}

// runCycle performs a synchronization pass for all enabled repositories
// concurrently.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.logger.Info("Starting new sync cycle")

	if _, err := s.orchestrator.ReconcileStuck(ctx, s.stuckAfter); err != nil {
		s.logger.Error("Stuck-sync reconciliation failed", "error", err)
	}

	repos, err := s.db.ListEnabledRepositories(ctx)
	if err != nil {
		s.logger.Error("Failed to list repositories", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			token, err := s.credentials.Token(gctx, repo.UserID)
			if err != nil {
				s.logger.Error("Failed to resolve credential", "user_id", repo.UserID, "error", err)
				return nil
			}
			result, err := s.orchestrator.Sync(gctx, repo.ID, repo.UserID, token)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Failed to sync repository", "owner", repo.Owner, "repo", repo.Name, "error", err)
				return nil
			}
			if result != nil && result.AlreadyRunning {
				s.logger.Info("Sync already in flight, skipping", "owner", repo.Owner, "repo", repo.Name, "sync_run_id", result.SyncRunID)
			}
			return nil
		})
	}

	_ = g.Wait()
	s.logger.Info("Sync cycle finished")
}
