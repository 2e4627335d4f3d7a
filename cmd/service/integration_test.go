//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Wasif-ZA/decision.log-sub001/internal/config"
	"github.com/Wasif-ZA/decision.log-sub001/internal/github"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
	"github.com/Wasif-ZA/decision.log-sub001/internal/sieve"
	"github.com/Wasif-ZA/decision.log-sub001/internal/store"
	"github.com/Wasif-ZA/decision.log-sub001/internal/syncer"
)

func setupTestDatabase(ctx context.Context, t *testing.T) (*pgxpool.Pool, func()) {
	container, err := pgcontainer.Run(ctx, "postgres:16-alpine",
		pgcontainer.WithDatabase("test-db"),
		pgcontainer.WithUsername("user"),
		pgcontainer.WithPassword("password"),
		pgcontainer.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	teardown := func() {
		dbpool.Close()
		require.NoError(t, container.Terminate(ctx))
	}
	return dbpool, teardown
}

// substantive PR: decision keywords in the body, a non-trivial diff.
func platformFixture(t *testing.T, updatedAt time.Time) http.Handler {
	t.Helper()

	var diffLines []string
	for i := 0; i < 30; i++ {
		diffLines = append(diffLines, fmt.Sprintf("+store.exec(%d)", i))
	}
	diff := "--- a/internal/store/store.go\n+++ b/internal/store/store.go\n" + strings.Join(diffLines, "\n") + "\n"

	prJSON := fmt.Sprintf(`[{
		"id": 9001,
		"number": 42,
		"title": "Migrate session storage to the database",
		"body": "We decided to migrate session storage from the in-process cache to the database so instances can share sessions. Trade-off: slower reads, simpler failover.",
		"user": {"login": "tester"},
		"merged_at": %[1]q,
		"updated_at": %[1]q
	}]`, updatedAt.Format(time.RFC3339))

	commitJSON := fmt.Sprintf(`[{
		"sha": "abc",
		"commit": {"author": {"name": "tester", "email": "t@t.com", "date": %q}, "message": "feat: shared sessions"}
	}]`, updatedAt.Format(time.RFC3339))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/pulls/42"):
			// Diff requested via the raw media type.
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(diff))
		case strings.HasSuffix(r.URL.Path, "/pulls"):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(prJSON))
		case strings.HasSuffix(r.URL.Path, "/commits"):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(commitJSON))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestPipeline_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool, teardown := setupTestDatabase(ctx, t)
	defer teardown()

	updatedAt := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	server := httptest.NewServer(platformFixture(t, updatedAt))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	platform := github.NewClient(logger, 1<<20)
	platform.OverrideBaseURL(server.URL)

	db := store.NewPostgres(dbpool)
	sv := sieve.New(config.SieveConfig{MinDiffLines: 10, MinBodyLength: 40, MaxPatchBytes: 1 << 20})
	orc := syncer.NewOrchestrator(db, platform, sv, logger, syncer.Options{
		LookbackDays:  90,
		CursorOverlap: 2 * time.Hour,
		MaxPages:      10,
	})

	var repoID int64
	err := dbpool.QueryRow(ctx,
		`INSERT INTO repositories (user_id, owner, name) VALUES (7, 'test-owner', 'test-repo') RETURNING id`,
	).Scan(&repoID)
	require.NoError(t, err)

	// --- first sync ---
	result, err := orc.Sync(ctx, repoID, 7, "test-token")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, result.Status)
	assert.Equal(t, 1, result.FetchedCount)
	assert.Equal(t, 1, result.CandidatesCreated)

	repo, err := db.GetRepository(ctx, repoID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, repo.SyncStatus)
	require.NotNil(t, repo.Cursor.PRUpdatedAfter)
	assert.Equal(t, updatedAt.Add(-2*time.Hour), repo.Cursor.PRUpdatedAfter.UTC())
	require.NotNil(t, repo.Cursor.CommitSince)
	assert.EqualValues(t, 1, repo.ArtifactCount)
	assert.EqualValues(t, 1, repo.CandidateCount)

	op, err := db.GetLatestSyncOperation(ctx, repoID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, op.Status)
	assert.NotEmpty(t, op.Logs)

	// --- second sync is idempotent on stored rows ---
	result, err = orc.Sync(ctx, repoID, 7, "test-token")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, result.Status)
	assert.Equal(t, 0, result.CandidatesCreated, "re-sync must not duplicate candidates")

	// --- candidate state machine against the real conditional updates ---
	var candID int64
	err = dbpool.QueryRow(ctx, `SELECT id FROM candidates WHERE repository_id = $1`, repoID).Scan(&candID)
	require.NoError(t, err)

	claimed, err := db.ClaimCandidate(ctx, candID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = db.ClaimCandidate(ctx, candID)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must lose")

	cand, err := db.GetCandidate(ctx, candID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusExtracting, cand.Status)

	cand.Context = "Sessions lived in the in-process cache."
	cand.Decision = "Move session storage to the shared database."
	cand.Model = "claude-3-5-haiku-latest"
	ok, err := db.CompleteExtraction(ctx, cand)
	require.NoError(t, err)
	assert.True(t, ok)

	// Dismissal is only legal from new.
	ok, err = db.DismissCandidate(ctx, candID, model.DismissTooMinor, "")
	require.NoError(t, err)
	assert.False(t, ok)

	cand, err = db.GetCandidate(ctx, candID)
	require.NoError(t, err)
	decision := model.Decision{
		ID:           uuid.New(),
		RepositoryID: repoID,
		UserID:       7,
		CandidateID:  candID,
		ArtifactID:   cand.ArtifactID,
		Title:        cand.Title,
		Context:      cand.Context,
		Decision:     cand.Decision,
		CreatedAt:    time.Now().UTC(),
	}
	created, ok, err := db.ApproveCandidate(ctx, cand, decision)
	require.NoError(t, err)
	require.True(t, ok)

	cand, err = db.GetCandidate(ctx, candID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusApproved, cand.Status)
	require.NotNil(t, cand.DecisionID)
	assert.Equal(t, created.ID, *cand.DecisionID)

	repo, err = db.GetRepository(ctx, repoID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, repo.DecisionCount)

	// Approval is terminal; a second approval must not commit anything.
	_, ok, err = db.ApproveCandidate(ctx, cand, decision)
	require.NoError(t, err)
	assert.False(t, ok)
}
