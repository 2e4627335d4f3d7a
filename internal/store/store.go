// internal/store/store.go

// Package store is the persistence boundary of the pipeline. All entities
// are relational rows; the two mutual-exclusion points (repository sync
// status, candidate claim) are implemented as atomic conditional updates so
// correctness holds across process instances.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
)

// Store is the repository interface the pipeline components depend on.
type Store interface {
	// Repositories.
	GetRepository(ctx context.Context, id int64) (model.Repository, error)
	GetRepositoryForUser(ctx context.Context, id, userID int64) (model.Repository, error)
	ListEnabledRepositories(ctx context.Context) ([]model.Repository, error)

	// TryMarkSyncing flips the repository to syncing only if it is not
	// already syncing. The single-flight guard for the whole orchestrator.
	TryMarkSyncing(ctx context.Context, repoID int64) (bool, error)
	// FinishSync records the terminal status, merged cursor and sync time.
	FinishSync(ctx context.Context, repoID int64, status model.SyncStatus, cur model.Cursor, syncedAt time.Time) error
	AddRepositoryCounts(ctx context.Context, repoID int64, artifacts, candidates int64) error

	// Sync operations.
	CreateSyncOperation(ctx context.Context, op model.SyncOperation) error
	UpdateSyncProgress(ctx context.Context, id uuid.UUID, fetched, sievedIn, sievedOut, candidates int) error
	CompleteSyncOperation(ctx context.Context, id uuid.UUID, status model.SyncStatus, errorMessage string, completedAt time.Time) error
	AppendSyncLog(ctx context.Context, id uuid.UUID, entry model.SyncLogEntry) error
	GetLatestSyncOperation(ctx context.Context, repoID int64) (model.SyncOperation, error)
	// MarkStuckSyncs flips runs (and their repositories) that have been
	// syncing since before the deadline to error. Returns runs affected.
	MarkStuckSyncs(ctx context.Context, deadline time.Time) (int64, error)

	// Artifacts. Upsert is keyed by (repository_id, platform_id) and is the
	// atomicity boundary for concurrent writers.
	UpsertArtifact(ctx context.Context, a model.Artifact) (model.Artifact, bool, error)
	GetArtifact(ctx context.Context, id int64) (model.Artifact, error)

	// Candidates.
	// CreateCandidateIfAbsent inserts a candidate in status new unless one
	// already exists for the artifact; an existing candidate is returned
	// untouched whatever its status, so re-sync never resurrects a
	// dismissed or approved one.
	CreateCandidateIfAbsent(ctx context.Context, c model.Candidate) (model.Candidate, bool, error)
	GetCandidate(ctx context.Context, id int64) (model.Candidate, error)
	// ClaimCandidate atomically moves new -> extracting. False means the
	// claim was lost; the caller reads the current status for its conflict
	// report.
	ClaimCandidate(ctx context.Context, id int64) (bool, error)
	// CompleteExtraction moves extracting -> extracted with the extracted
	// fields applied.
	CompleteExtraction(ctx context.Context, c model.Candidate) (bool, error)
	// FailExtraction is the compensating move extracting -> failed.
	FailExtraction(ctx context.Context, id int64) error
	// DismissCandidate moves new -> dismissed; false means the candidate
	// was not in status new.
	DismissCandidate(ctx context.Context, id int64, reason model.DismissReason, note string) (bool, error)

	// ApproveCandidate creates the decision, flips the candidate to
	// approved with a back-link and increments the repository decision
	// counter, all in one transaction. False with nil error means the
	// candidate was not approvable (not new/extracted) and nothing changed.
	ApproveCandidate(ctx context.Context, c model.Candidate, d model.Decision) (model.Decision, bool, error)
	GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error)

	// Extraction cost ledger: append-only, never corrected in place.
	InsertExtractionCost(ctx context.Context, ec model.ExtractionCost) error
	ExtractionSpendSince(ctx context.Context, repoID int64, since time.Time) (cost float64, calls int64, err error)
}
