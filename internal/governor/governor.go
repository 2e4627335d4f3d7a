// internal/governor/governor.go

// Package governor is the admission-control gate in front of every paid
// extraction call. It enforces a per-repository spend and call ceiling over a
// trailing window and keeps an append-only cost ledger.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Wasif-ZA/decision.log-sub001/internal/apperrors"
	"github.com/Wasif-ZA/decision.log-sub001/internal/config"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
	"github.com/Wasif-ZA/decision.log-sub001/internal/store"
)

// Usage is the token and cost accounting of one extraction attempt.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	BatchSize    int
	CandidateIDs []int64
}

// Governor enforces extraction limits against the persisted ledger.
type Governor struct {
	db     store.Store
	cfg    config.GovernorConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Governor with the given ceilings.
func New(db store.Store, cfg config.GovernorConfig, logger *slog.Logger) *Governor {
	return &Governor{db: db, cfg: cfg, logger: logger, now: time.Now}
}

// EnforceLimit fails with ErrLimitExceeded when the repository's committed
// spend or call count in the trailing window already meets or exceeds its
// ceiling. Called synchronously before any paid call is dispatched.
func (g *Governor) EnforceLimit(ctx context.Context, repoID int64) error {
	since := g.now().Add(-g.cfg.Window)
	spend, calls, err := g.db.ExtractionSpendSince(ctx, repoID, since)
	if err != nil {
		return err
	}

	if spend >= g.cfg.MaxCost {
		return fmt.Errorf("%w: spend %.4f USD of %.4f USD ceiling in trailing %s",
			apperrors.ErrLimitExceeded, spend, g.cfg.MaxCost, g.cfg.Window)
	}
	if g.cfg.MaxCalls > 0 && calls >= g.cfg.MaxCalls {
		return fmt.Errorf("%w: %d calls of %d ceiling in trailing %s",
			apperrors.ErrLimitExceeded, calls, g.cfg.MaxCalls, g.cfg.Window)
	}
	return nil
}

// RecordCost appends one ledger entry. Called unconditionally after every
// extraction attempt so the ledger stays accurate even when the caller later
// fails for unrelated reasons. Entries are never corrected in place.
func (g *Governor) RecordCost(ctx context.Context, repoID, userID int64, u Usage) error {
	err := g.db.InsertExtractionCost(ctx, model.ExtractionCost{
		RepositoryID: repoID,
		UserID:       userID,
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Cost:         u.Cost,
		BatchSize:    u.BatchSize,
		CandidateIDs: u.CandidateIDs,
	})
	if err != nil {
		// The paid call already happened; losing the ledger row is an audit
		// gap, not a reason to fail the extraction.
		g.logger.Error("Failed to record extraction cost", "repo_id", repoID, "error", err)
		return err
	}
	return nil
}

// Spend reports the committed spend and call count in the trailing window.
// Read-only; exposed to the API layer for the cost endpoint.
func (g *Governor) Spend(ctx context.Context, repoID int64) (float64, int64, error) {
	return g.db.ExtractionSpendSince(ctx, repoID, g.now().Add(-g.cfg.Window))
}
