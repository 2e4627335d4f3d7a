// internal/store/storemock/mock.go

// Package storemock provides a testify mock of store.Store for unit tests.
package storemock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
)

// Store is a mock of the store.Store interface.
type Store struct {
	mock.Mock
}

func (m *Store) GetRepository(ctx context.Context, id int64) (model.Repository, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Repository), args.Error(1)
}

func (m *Store) GetRepositoryForUser(ctx context.Context, id, userID int64) (model.Repository, error) {
	args := m.Called(ctx, id, userID)
	return args.Get(0).(model.Repository), args.Error(1)
}

func (m *Store) ListEnabledRepositories(ctx context.Context) ([]model.Repository, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Repository), args.Error(1)
}

func (m *Store) TryMarkSyncing(ctx context.Context, repoID int64) (bool, error) {
	args := m.Called(ctx, repoID)
	return args.Bool(0), args.Error(1)
}

func (m *Store) FinishSync(ctx context.Context, repoID int64, status model.SyncStatus, cur model.Cursor, syncedAt time.Time) error {
	args := m.Called(ctx, repoID, status, cur, syncedAt)
	return args.Error(0)
}

func (m *Store) AddRepositoryCounts(ctx context.Context, repoID int64, artifacts, candidates int64) error {
	args := m.Called(ctx, repoID, artifacts, candidates)
	return args.Error(0)
}

func (m *Store) CreateSyncOperation(ctx context.Context, op model.SyncOperation) error {
	args := m.Called(ctx, op)
	return args.Error(0)
}

func (m *Store) UpdateSyncProgress(ctx context.Context, id uuid.UUID, fetched, sievedIn, sievedOut, candidates int) error {
	args := m.Called(ctx, id, fetched, sievedIn, sievedOut, candidates)
	return args.Error(0)
}

func (m *Store) CompleteSyncOperation(ctx context.Context, id uuid.UUID, status model.SyncStatus, errorMessage string, completedAt time.Time) error {
	args := m.Called(ctx, id, status, errorMessage, completedAt)
	return args.Error(0)
}

func (m *Store) AppendSyncLog(ctx context.Context, id uuid.UUID, entry model.SyncLogEntry) error {
	args := m.Called(ctx, id, entry)
	return args.Error(0)
}

func (m *Store) GetLatestSyncOperation(ctx context.Context, repoID int64) (model.SyncOperation, error) {
	args := m.Called(ctx, repoID)
	return args.Get(0).(model.SyncOperation), args.Error(1)
}

func (m *Store) MarkStuckSyncs(ctx context.Context, deadline time.Time) (int64, error) {
	args := m.Called(ctx, deadline)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Store) UpsertArtifact(ctx context.Context, a model.Artifact) (model.Artifact, bool, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(model.Artifact), args.Bool(1), args.Error(2)
}

func (m *Store) GetArtifact(ctx context.Context, id int64) (model.Artifact, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Artifact), args.Error(1)
}

func (m *Store) CreateCandidateIfAbsent(ctx context.Context, c model.Candidate) (model.Candidate, bool, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(model.Candidate), args.Bool(1), args.Error(2)
}

func (m *Store) GetCandidate(ctx context.Context, id int64) (model.Candidate, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Candidate), args.Error(1)
}

func (m *Store) ClaimCandidate(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *Store) CompleteExtraction(ctx context.Context, c model.Candidate) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}

func (m *Store) FailExtraction(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *Store) DismissCandidate(ctx context.Context, id int64, reason model.DismissReason, note string) (bool, error) {
	args := m.Called(ctx, id, reason, note)
	return args.Bool(0), args.Error(1)
}

func (m *Store) ApproveCandidate(ctx context.Context, c model.Candidate, d model.Decision) (model.Decision, bool, error) {
	args := m.Called(ctx, c, d)
	return args.Get(0).(model.Decision), args.Bool(1), args.Error(2)
}

func (m *Store) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Decision), args.Error(1)
}

func (m *Store) InsertExtractionCost(ctx context.Context, ec model.ExtractionCost) error {
	args := m.Called(ctx, ec)
	return args.Error(0)
}

func (m *Store) ExtractionSpendSince(ctx context.Context, repoID int64, since time.Time) (float64, int64, error) {
	args := m.Called(ctx, repoID, since)
	return args.Get(0).(float64), args.Get(1).(int64), args.Error(2)
}
