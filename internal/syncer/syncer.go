// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Wasif-ZA/decision.log-sub001/internal/apperrors"
	"github.com/Wasif-ZA/decision.log-sub001/internal/cursor"
	"github.com/Wasif-ZA/decision.log-sub001/internal/github"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
	"github.com/Wasif-ZA/decision.log-sub001/internal/sieve"
	"github.com/Wasif-ZA/decision.log-sub001/internal/store"
)

// PlatformClient is the slice of the platform API the orchestrator needs.
type PlatformClient interface {
	ListPullRequestsSince(ctx context.Context, ref github.RepoRef, since *time.Time, token string, page int) (*github.Page, error)
	LatestCommitSince(ctx context.Context, ref github.RepoRef, since *time.Time, token string) (*time.Time, int, error)
}

// Options bound one sync run.
type Options struct {
	LookbackDays  int
	CursorOverlap time.Duration
	MaxPages      int
}

// SyncResult is the snapshot returned by TriggerSync.
type SyncResult struct {
	SyncRunID         uuid.UUID
	Status            model.SyncStatus
	AlreadyRunning    bool
	FetchedCount      int
	CandidatesCreated int
	ErrorMessage      string
}

// SyncStatus is the polling view: the latest run plus the live repository status.
type SyncStatus struct {
	HasSync    bool
	Run        *model.SyncOperation
	RepoStatus model.SyncStatus
}

// Orchestrator drives one end-to-end sync run per repository. It is the only
// component permitted to mutate sync-run state.
type Orchestrator struct {
	db       store.Store
	platform PlatformClient
	sieve    *sieve.Sieve
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(db store.Store, platform PlatformClient, sv *sieve.Sieve, logger *slog.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		db:       db,
		platform: platform,
		sieve:    sv,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// TriggerSync claims a sync run for the repository and lets it proceed in the
// background, returning the syncing snapshot immediately; callers poll
// GetSyncStatus for the outcome. When a run is already in flight its identity
// is reported instead. The single-flight guard is the conditional update on
// the repository's sync status, so it holds across process instances.
func (o *Orchestrator) TriggerSync(ctx context.Context, repoID, userID int64, token string) (*SyncResult, error) {
	repo, op, inflight, err := o.claimRun(ctx, repoID, userID)
	if err != nil {
		return nil, err
	}
	if inflight != nil {
		return inflight, nil
	}

	// Detached from the request context: a client disconnect must not strand
	// the claimed run, whose finalizer needs a live context to reach a
	// terminal state.
	go o.runSync(context.WithoutCancel(ctx), repo, op, token)

	return &SyncResult{SyncRunID: op.ID, Status: model.SyncStatusSyncing}, nil
}

// Sync claims a run and executes it to completion, returning the terminal
// result. Used by the background scheduler, whose concurrency bound only
// means something when runs complete before the slot is released.
func (o *Orchestrator) Sync(ctx context.Context, repoID, userID int64, token string) (*SyncResult, error) {
	repo, op, inflight, err := o.claimRun(ctx, repoID, userID)
	if err != nil {
		return nil, err
	}
	if inflight != nil {
		return inflight, nil
	}
	return o.runSync(ctx, repo, op, token), nil
}

// claimRun takes the single-flight claim and creates the run record. A
// non-nil SyncResult means a run was already in flight and nothing was
// claimed.
func (o *Orchestrator) claimRun(ctx context.Context, repoID, userID int64) (model.Repository, model.SyncOperation, *SyncResult, error) {
	repo, err := o.db.GetRepositoryForUser(ctx, repoID, userID)
	if err != nil {
		return model.Repository{}, model.SyncOperation{}, nil, err
	}

	claimed, err := o.db.TryMarkSyncing(ctx, repoID)
	if err != nil {
		return model.Repository{}, model.SyncOperation{}, nil, err
	}
	if !claimed {
		// Idempotent by observation: return the in-flight run's identity
		// instead of an error.
		latest, err := o.db.GetLatestSyncOperation(ctx, repoID)
		if err != nil {
			return model.Repository{}, model.SyncOperation{}, nil, err
		}
		return model.Repository{}, model.SyncOperation{}, &SyncResult{
			SyncRunID:         latest.ID,
			Status:            latest.Status,
			AlreadyRunning:    true,
			FetchedCount:      latest.FetchedCount,
			CandidatesCreated: latest.CandidatesCreated,
			ErrorMessage:      latest.ErrorMessage,
		}, nil
	}

	op := model.SyncOperation{
		ID:           uuid.New(),
		RepositoryID: repoID,
		UserID:       userID,
		Status:       model.SyncStatusSyncing,
		StartedAt:    o.now().UTC(),
	}
	if err := o.db.CreateSyncOperation(ctx, op); err != nil {
		// The repository is already marked syncing; unwind so it is not
		// claimed forever by a run that never existed.
		_ = o.db.FinishSync(ctx, repoID, model.SyncStatusError, repo.Cursor, o.now().UTC())
		return model.Repository{}, model.SyncOperation{}, nil, err
	}
	return repo, op, nil, nil
}

// GetSyncStatus returns the latest sync operation and the live repository
// status. Pure read, used for polling.
func (o *Orchestrator) GetSyncStatus(ctx context.Context, repoID int64) (*SyncStatus, error) {
	repo, err := o.db.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}

	latest, err := o.db.GetLatestSyncOperation(ctx, repoID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return &SyncStatus{HasSync: false, RepoStatus: repo.SyncStatus}, nil
	}
	if err != nil {
		return nil, err
	}
	return &SyncStatus{HasSync: true, Run: &latest, RepoStatus: repo.SyncStatus}, nil
}

// ReconcileStuck flips runs that have been syncing longer than maxAge to
// error. Single-flight correctness never depends on this sweep; it only
// restores liveness after a crashed process.
func (o *Orchestrator) ReconcileStuck(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := o.db.MarkStuckSyncs(ctx, o.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Warn("Reconciled stuck sync runs", "count", n)
	}
	return n, nil
}

// runProgress accumulates counters across pages of one run.
type runProgress struct {
	fetched           int
	artifactsCreated  int64
	sievedIn          int
	sievedOut         int
	candidatesCreated int
}

// runSync executes steps 2-6 of a claimed run. The deferred finalizer marks
// both the operation and the repository terminal on every path, including a
// panic, so a run is never left syncing forever.
func (o *Orchestrator) runSync(ctx context.Context, repo model.Repository, op model.SyncOperation, token string) *SyncResult {
	logger := o.logger.With("owner", repo.Owner, "repo", repo.Name, "sync_run_id", op.ID)
	logger.Info("Starting sync run")

	status := model.SyncStatusError
	errMsg := ""
	cur := repo.Cursor
	if cur.PRUpdatedAfter == nil && cur.CommitSince == nil {
		cur = cursor.Initial(o.now(), o.opts.LookbackDays)
		o.logRun(ctx, op.ID, logger, "info", fmt.Sprintf("first sync, anchoring cursor %d days back", o.opts.LookbackDays))
	}
	var update model.CursorUpdate
	progress := &runProgress{}

	defer func() {
		if r := recover(); r != nil {
			status = model.SyncStatusError
			errMsg = fmt.Sprintf("sync panicked: %v", r)
			logger.Error("Sync run panicked", "panic", r)
		}
		completedAt := o.now().UTC()
		merged := cursor.Merge(cur, update)
		if err := o.db.CompleteSyncOperation(ctx, op.ID, status, errMsg, completedAt); err != nil {
			logger.Error("Failed to complete sync operation", "error", err)
		}
		if err := o.db.FinishSync(ctx, repo.ID, status, merged, completedAt); err != nil {
			logger.Error("Failed to finish repository sync state", "error", err)
		}
		logger.Info("Sync run finished", "status", status, "fetched", progress.fetched, "candidates_created", progress.candidatesCreated)
	}()

	ref := github.RepoRef{Owner: repo.Owner, Name: repo.Name}

	prComplete, newestUpdated, fetchErr := o.fetchAndSieve(ctx, ref, repo, op.ID, cur.PRUpdatedAfter, token, logger, progress)

	// The PR sub-cursor advances only over a fully fetched stream. Pages are
	// fetched newest-first, so a partially fetched stream would otherwise
	// skip the older pages forever.
	if prComplete && newestUpdated != nil {
		next := cursor.Next(*newestUpdated, o.opts.CursorOverlap)
		update.PRUpdatedAfter = &next
	}

	commitErr := o.advanceCommitCursor(ctx, ref, op.ID, cur.CommitSince, token, logger, &update)

	if progress.artifactsCreated > 0 || progress.candidatesCreated > 0 {
		if err := o.db.AddRepositoryCounts(ctx, repo.ID, progress.artifactsCreated, int64(progress.candidatesCreated)); err != nil {
			logger.Error("Failed to update repository counters", "error", err)
		}
	}

	switch {
	case fetchErr == nil && commitErr == nil && prComplete:
		status = model.SyncStatusSuccess
	case fetchErr != nil && progress.fetched == 0 && !isRateLimited(fetchErr):
		status = model.SyncStatusError
		errMsg = fetchErr.Error()
	default:
		status = model.SyncStatusPartial
		if fetchErr != nil {
			errMsg = fetchErr.Error()
		} else if commitErr != nil {
			errMsg = commitErr.Error()
		} else {
			errMsg = "page budget exhausted before stream end"
		}
	}

	if err := o.db.UpdateSyncProgress(ctx, op.ID, progress.fetched, progress.sievedIn, progress.sievedOut, progress.candidatesCreated); err != nil {
		logger.Error("Failed to update sync progress", "error", err)
	}

	return &SyncResult{
		SyncRunID:         op.ID,
		Status:            status,
		FetchedCount:      progress.fetched,
		CandidatesCreated: progress.candidatesCreated,
		ErrorMessage:      errMsg,
	}
}

// fetchAndSieve pulls pages of merged PRs from the watermark, upserts each
// page durably, and sieves the fresh artifacts into new candidates. Returns
// whether the stream was fully consumed and the newest updated-at seen.
func (o *Orchestrator) fetchAndSieve(ctx context.Context, ref github.RepoRef, repo model.Repository, opID uuid.UUID, since *time.Time, token string, logger *slog.Logger, progress *runProgress) (bool, *time.Time, error) {
	var newestUpdated *time.Time
	page := 0

	for fetched := 0; ; fetched++ {
		if fetched >= o.opts.MaxPages {
			o.logRun(ctx, opID, logger, "warn", fmt.Sprintf("stopping after %d pages, remainder picked up next run", o.opts.MaxPages))
			return false, newestUpdated, nil
		}

		pg, err := o.platform.ListPullRequestsSince(ctx, ref, since, token, page)
		if err != nil {
			var rl *apperrors.RateLimitedError
			if errors.As(err, &rl) {
				o.logRun(ctx, opID, logger, "warn", fmt.Sprintf("platform rate limited on page %d, retry after %s", page, rl.RetryAfter))
			} else {
				o.logRun(ctx, opID, logger, "error", fmt.Sprintf("page %d fetch failed: %v", page, err))
			}
			return false, newestUpdated, err
		}

		for _, artifact := range pg.Artifacts {
			artifact.RepositoryID = repo.ID
			stored, created, err := o.db.UpsertArtifact(ctx, artifact)
			if err != nil {
				return false, newestUpdated, err
			}
			progress.fetched++
			if created {
				progress.artifactsCreated++
			}
			if newestUpdated == nil || stored.UpdatedAt.After(*newestUpdated) {
				t := stored.UpdatedAt
				newestUpdated = &t
			}

			o.sieveArtifact(ctx, repo, stored, progress)
		}

		o.logRun(ctx, opID, logger, "info", fmt.Sprintf("page %d: %d artifacts upserted", page, len(pg.Artifacts)))
		if err := o.db.UpdateSyncProgress(ctx, opID, progress.fetched, progress.sievedIn, progress.sievedOut, progress.candidatesCreated); err != nil {
			logger.Error("Failed to update sync progress", "error", err)
		}

		if pg.NextPage == 0 {
			return true, newestUpdated, nil
		}
		page = pg.NextPage
	}
}

// sieveArtifact runs the sieve over one artifact and records a new candidate
// for a worthy verdict. An existing candidate is never overwritten, whatever
// its status, so re-sync cannot resurrect a dismissed or approved decision.
func (o *Orchestrator) sieveArtifact(ctx context.Context, repo model.Repository, artifact model.Artifact, progress *runProgress) {
	verdict := o.sieve.Evaluate(artifact)
	if !verdict.Worthy {
		progress.sievedOut++
		return
	}
	progress.sievedIn++

	_, created, err := o.db.CreateCandidateIfAbsent(ctx, model.Candidate{
		RepositoryID: repo.ID,
		UserID:       repo.UserID,
		ArtifactID:   artifact.ID,
		Title:        verdict.Fields.Title,
		Summary:      verdict.Fields.Summary,
		Confidence:   verdict.Fields.Confidence,
		Impact:       verdict.Fields.Impact,
		Risk:         verdict.Fields.Risk,
		Tags:         verdict.Fields.Tags,
	})
	if err != nil {
		o.logger.Error("Failed to create candidate", "artifact_id", artifact.ID, "error", err)
		return
	}
	if created {
		progress.candidatesCreated++
	}
}

// advanceCommitCursor peeks at commit activity since the commit watermark and
// advances that sub-cursor independently of the PR stream.
func (o *Orchestrator) advanceCommitCursor(ctx context.Context, ref github.RepoRef, opID uuid.UUID, since *time.Time, token string, logger *slog.Logger, update *model.CursorUpdate) error {
	latest, count, err := o.platform.LatestCommitSince(ctx, ref, since, token)
	if err != nil {
		o.logRun(ctx, opID, logger, "warn", fmt.Sprintf("commit watermark fetch failed: %v", err))
		return err
	}
	if latest != nil {
		next := cursor.Next(*latest, o.opts.CursorOverlap)
		update.CommitSince = &next
	}
	o.logRun(ctx, opID, logger, "info", fmt.Sprintf("%d commits since watermark", count))
	return nil
}

// logRun writes to both the process log and the run's persisted log trail.
func (o *Orchestrator) logRun(ctx context.Context, opID uuid.UUID, logger *slog.Logger, level, msg string) {
	switch level {
	case "error":
		logger.Error(msg)
	case "warn":
		logger.Warn(msg)
	default:
		logger.Info(msg)
	}
	entry := model.SyncLogEntry{Time: o.now().UTC(), Level: level, Message: msg}
	if err := o.db.AppendSyncLog(ctx, opID, entry); err != nil {
		logger.Error("Failed to append sync log", "error", err)
	}
}

func isRateLimited(err error) bool {
	var rl *apperrors.RateLimitedError
	return errors.As(err, &rl)
}
