// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Wasif-ZA/decision.log-sub001/internal/apperrors"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const repositoryColumns = `id, user_id, owner, name, enabled, sync_status,
	pr_updated_after, commit_since, artifact_count, candidate_count, decision_count,
	last_synced_at, created_at, updated_at`

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	err := row.Scan(
		&r.ID, &r.UserID, &r.Owner, &r.Name, &r.Enabled, &r.SyncStatus,
		&r.Cursor.PRUpdatedAfter, &r.Cursor.CommitSince,
		&r.ArtifactCount, &r.CandidateCount, &r.DecisionCount,
		&r.LastSyncedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (p *Postgres) GetRepository(ctx context.Context, id int64) (model.Repository, error) {
	r, err := scanRepository(p.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Repository{}, fmt.Errorf("%w: repository %d", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return model.Repository{}, fmt.Errorf("store: get repository: %w", err)
	}
	return r, nil
}

func (p *Postgres) GetRepositoryForUser(ctx context.Context, id, userID int64) (model.Repository, error) {
	r, err := p.GetRepository(ctx, id)
	if err != nil {
		return model.Repository{}, err
	}
	if r.UserID != userID {
		return model.Repository{}, fmt.Errorf("%w: repository %d", apperrors.ErrForbidden, id)
	}
	return r, nil
}

func (p *Postgres) ListEnabledRepositories(ctx context.Context) ([]model.Repository, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list repositories: %w", err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (p *Postgres) TryMarkSyncing(ctx context.Context, repoID int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE repositories SET sync_status = 'syncing', updated_at = now()
		 WHERE id = $1 AND sync_status <> 'syncing'`, repoID)
	if err != nil {
		return false, fmt.Errorf("store: mark syncing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) FinishSync(ctx context.Context, repoID int64, status model.SyncStatus, cur model.Cursor, syncedAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE repositories
		 SET sync_status = $2, pr_updated_after = $3, commit_since = $4,
		     last_synced_at = $5, updated_at = now()
		 WHERE id = $1`,
		repoID, status, cur.PRUpdatedAfter, cur.CommitSince, syncedAt)
	if err != nil {
		return fmt.Errorf("store: finish sync: %w", err)
	}
	return nil
}

func (p *Postgres) AddRepositoryCounts(ctx context.Context, repoID int64, artifacts, candidates int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE repositories
		 SET artifact_count = artifact_count + $2,
		     candidate_count = candidate_count + $3,
		     updated_at = now()
		 WHERE id = $1`, repoID, artifacts, candidates)
	if err != nil {
		return fmt.Errorf("store: add repository counts: %w", err)
	}
	return nil
}

func (p *Postgres) CreateSyncOperation(ctx context.Context, op model.SyncOperation) error {
	logs, err := json.Marshal(op.Logs)
	if err != nil {
		return fmt.Errorf("store: marshal sync logs: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO sync_operations
		 (id, repository_id, user_id, status, started_at, fetched_count,
		  sieved_in_count, sieved_out_count, candidates_created, error_message, logs)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		op.ID, op.RepositoryID, op.UserID, op.Status, op.StartedAt,
		op.FetchedCount, op.SievedInCount, op.SievedOutCount,
		op.CandidatesCreated, op.ErrorMessage, logs)
	if err != nil {
		return fmt.Errorf("store: create sync operation: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateSyncProgress(ctx context.Context, id uuid.UUID, fetched, sievedIn, sievedOut, candidates int) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sync_operations
		 SET fetched_count = $2, sieved_in_count = $3, sieved_out_count = $4, candidates_created = $5
		 WHERE id = $1 AND status = 'syncing'`,
		id, fetched, sievedIn, sievedOut, candidates)
	if err != nil {
		return fmt.Errorf("store: update sync progress: %w", err)
	}
	return nil
}

func (p *Postgres) CompleteSyncOperation(ctx context.Context, id uuid.UUID, status model.SyncStatus, errorMessage string, completedAt time.Time) error {
	// Terminal rows are immutable: only a run still syncing can complete.
	_, err := p.pool.Exec(ctx,
		`UPDATE sync_operations
		 SET status = $2, error_message = $3, completed_at = $4
		 WHERE id = $1 AND status = 'syncing'`,
		id, status, errorMessage, completedAt)
	if err != nil {
		return fmt.Errorf("store: complete sync operation: %w", err)
	}
	return nil
}

func (p *Postgres) AppendSyncLog(ctx context.Context, id uuid.UUID, entry model.SyncLogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal sync log entry: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`UPDATE sync_operations SET logs = logs || jsonb_build_array($2::jsonb) WHERE id = $1`,
		id, raw)
	if err != nil {
		return fmt.Errorf("store: append sync log: %w", err)
	}
	return nil
}

func (p *Postgres) GetLatestSyncOperation(ctx context.Context, repoID int64) (model.SyncOperation, error) {
	var op model.SyncOperation
	var logs []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, repository_id, user_id, status, started_at, completed_at,
		        fetched_count, sieved_in_count, sieved_out_count, candidates_created,
		        error_message, logs
		 FROM sync_operations WHERE repository_id = $1
		 ORDER BY started_at DESC LIMIT 1`, repoID,
	).Scan(
		&op.ID, &op.RepositoryID, &op.UserID, &op.Status, &op.StartedAt, &op.CompletedAt,
		&op.FetchedCount, &op.SievedInCount, &op.SievedOutCount, &op.CandidatesCreated,
		&op.ErrorMessage, &logs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SyncOperation{}, fmt.Errorf("%w: no sync operations for repository %d", apperrors.ErrNotFound, repoID)
	}
	if err != nil {
		return model.SyncOperation{}, fmt.Errorf("store: get latest sync operation: %w", err)
	}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &op.Logs); err != nil {
			return model.SyncOperation{}, fmt.Errorf("store: unmarshal sync logs: %w", err)
		}
	}
	return op, nil
}

func (p *Postgres) MarkStuckSyncs(ctx context.Context, deadline time.Time) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE sync_operations
		 SET status = 'error', error_message = 'sync exceeded maximum duration', completed_at = now()
		 WHERE status = 'syncing' AND started_at < $1`, deadline)
	if err != nil {
		return 0, fmt.Errorf("store: mark stuck sync operations: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE repositories r SET sync_status = 'error', updated_at = now()
		 WHERE sync_status = 'syncing'
		   AND NOT EXISTS (
		     SELECT 1 FROM sync_operations o
		     WHERE o.repository_id = r.id AND o.status = 'syncing')`)
	if err != nil {
		return 0, fmt.Errorf("store: mark stuck repositories: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) UpsertArtifact(ctx context.Context, a model.Artifact) (model.Artifact, bool, error) {
	var out model.Artifact
	var created bool
	err := p.pool.QueryRow(ctx,
		`INSERT INTO artifacts
		 (repository_id, platform_id, number, title, body, patch, author, merged_at, kind, fetched_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), $10)
		 ON CONFLICT (repository_id, platform_id) DO UPDATE
		 SET title = EXCLUDED.title, body = EXCLUDED.body, patch = EXCLUDED.patch,
		     author = EXCLUDED.author, merged_at = EXCLUDED.merged_at,
		     fetched_at = now(), updated_at = EXCLUDED.updated_at
		 RETURNING id, repository_id, platform_id, number, title, body, patch,
		           author, merged_at, kind, fetched_at, updated_at,
		           (xmax = 0) AS inserted`,
		a.RepositoryID, a.PlatformID, a.Number, a.Title, a.Body, a.Patch,
		a.Author, a.MergedAt, a.Kind, a.UpdatedAt,
	).Scan(
		&out.ID, &out.RepositoryID, &out.PlatformID, &out.Number, &out.Title,
		&out.Body, &out.Patch, &out.Author, &out.MergedAt, &out.Kind,
		&out.FetchedAt, &out.UpdatedAt, &created,
	)
	if err != nil {
		return model.Artifact{}, false, fmt.Errorf("store: upsert artifact: %w", err)
	}
	return out, created, nil
}

func (p *Postgres) GetArtifact(ctx context.Context, id int64) (model.Artifact, error) {
	var a model.Artifact
	err := p.pool.QueryRow(ctx,
		`SELECT id, repository_id, platform_id, number, title, body, patch,
		        author, merged_at, kind, fetched_at, updated_at
		 FROM artifacts WHERE id = $1`, id,
	).Scan(
		&a.ID, &a.RepositoryID, &a.PlatformID, &a.Number, &a.Title, &a.Body,
		&a.Patch, &a.Author, &a.MergedAt, &a.Kind, &a.FetchedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Artifact{}, fmt.Errorf("%w: artifact %d", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return model.Artifact{}, fmt.Errorf("store: get artifact: %w", err)
	}
	return a, nil
}

// textArray keeps nil slices out of NOT NULL text[] columns; pgx encodes a
// nil slice as SQL NULL.
func textArray(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}

const candidateColumns = `id, repository_id, user_id, artifact_id, status,
	title, summary, context, decision, consequences, confidence, impact, risk, tags,
	model, raw_response, dismiss_reason, dismiss_note, extracted_at, approved_at,
	decision_id, created_at, updated_at`

func scanCandidate(row pgx.Row) (model.Candidate, error) {
	var c model.Candidate
	var dismissReason *string
	err := row.Scan(
		&c.ID, &c.RepositoryID, &c.UserID, &c.ArtifactID, &c.Status,
		&c.Title, &c.Summary, &c.Context, &c.Decision, &c.Consequences,
		&c.Confidence, &c.Impact, &c.Risk, &c.Tags,
		&c.Model, &c.RawResponse,
		&dismissReason, &c.DismissNote, &c.ExtractedAt, &c.ApprovedAt,
		&c.DecisionID, &c.CreatedAt, &c.UpdatedAt,
	)
	if dismissReason != nil {
		c.DismissReason = model.DismissReason(*dismissReason)
	}
	return c, err
}

func (p *Postgres) CreateCandidateIfAbsent(ctx context.Context, c model.Candidate) (model.Candidate, bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO candidates
		 (repository_id, user_id, artifact_id, status, title, summary, context,
		  decision, consequences, confidence, impact, risk, tags)
		 VALUES ($1, $2, $3, 'new', $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (artifact_id) DO NOTHING`,
		c.RepositoryID, c.UserID, c.ArtifactID, c.Title, c.Summary, c.Context,
		c.Decision, c.Consequences, c.Confidence, c.Impact, c.Risk, textArray(c.Tags))
	if err != nil {
		return model.Candidate{}, false, fmt.Errorf("store: create candidate: %w", err)
	}

	out, err := scanCandidate(p.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE artifact_id = $1`, c.ArtifactID))
	if err != nil {
		return model.Candidate{}, false, fmt.Errorf("store: reread candidate: %w", err)
	}
	return out, tag.RowsAffected() == 1, nil
}

func (p *Postgres) GetCandidate(ctx context.Context, id int64) (model.Candidate, error) {
	c, err := scanCandidate(p.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Candidate{}, fmt.Errorf("%w: candidate %d", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return model.Candidate{}, fmt.Errorf("store: get candidate: %w", err)
	}
	return c, nil
}

func (p *Postgres) ClaimCandidate(ctx context.Context, id int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE candidates SET status = 'extracting', updated_at = now()
		 WHERE id = $1 AND status = 'new'`, id)
	if err != nil {
		return false, fmt.Errorf("store: claim candidate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) CompleteExtraction(ctx context.Context, c model.Candidate) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE candidates
		 SET status = 'extracted', title = $2, summary = $3, context = $4,
		     decision = $5, consequences = $6, confidence = $7, impact = $8,
		     risk = $9, tags = $10, model = $11, raw_response = $12,
		     extracted_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'extracting'`,
		c.ID, c.Title, c.Summary, c.Context, c.Decision, c.Consequences,
		c.Confidence, c.Impact, c.Risk, textArray(c.Tags), c.Model, c.RawResponse)
	if err != nil {
		return false, fmt.Errorf("store: complete extraction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) FailExtraction(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE candidates SET status = 'failed', updated_at = now()
		 WHERE id = $1 AND status = 'extracting'`, id)
	if err != nil {
		return fmt.Errorf("store: fail extraction: %w", err)
	}
	return nil
}

func (p *Postgres) DismissCandidate(ctx context.Context, id int64, reason model.DismissReason, note string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE candidates
		 SET status = 'dismissed', dismiss_reason = $2, dismiss_note = $3, updated_at = now()
		 WHERE id = $1 AND status = 'new'`, id, reason, note)
	if err != nil {
		return false, fmt.Errorf("store: dismiss candidate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ApproveCandidate(ctx context.Context, c model.Candidate, d model.Decision) (model.Decision, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op after commit

	// Guarded first so losing the race inserts nothing.
	tag, err := tx.Exec(ctx,
		`UPDATE candidates
		 SET status = 'approved', approved_at = now(), decision_id = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('new', 'extracted')`,
		c.ID, d.ID)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("store: approve candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Decision{}, false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO decisions
		 (id, repository_id, user_id, candidate_id, artifact_id, title, context,
		  decision, reasoning, consequences, alternatives, tags, significance,
		  model, raw_response, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.RepositoryID, d.UserID, d.CandidateID, d.ArtifactID, d.Title,
		d.Context, d.Decision, d.Reasoning, d.Consequences, textArray(d.Alternatives),
		textArray(d.Tags), d.Significance, d.Model, d.RawResponse, d.CreatedAt)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("store: insert decision: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE repositories SET decision_count = decision_count + 1, updated_at = now()
		 WHERE id = $1`, d.RepositoryID)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("store: increment decision counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Decision{}, false, fmt.Errorf("store: commit approval: %w", err)
	}
	return d, true, nil
}

func (p *Postgres) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	var d model.Decision
	err := p.pool.QueryRow(ctx,
		`SELECT id, repository_id, user_id, candidate_id, artifact_id, title,
		        context, decision, reasoning, consequences, alternatives, tags,
		        significance, model, raw_response, created_at, edited_at, deleted_at
		 FROM decisions WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(
		&d.ID, &d.RepositoryID, &d.UserID, &d.CandidateID, &d.ArtifactID,
		&d.Title, &d.Context, &d.Decision, &d.Reasoning, &d.Consequences,
		&d.Alternatives, &d.Tags, &d.Significance, &d.Model, &d.RawResponse,
		&d.CreatedAt, &d.EditedAt, &d.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Decision{}, fmt.Errorf("%w: decision %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("store: get decision: %w", err)
	}
	return d, nil
}

func (p *Postgres) InsertExtractionCost(ctx context.Context, ec model.ExtractionCost) error {
	if ec.CandidateIDs == nil {
		ec.CandidateIDs = []int64{}
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO extraction_costs
		 (repository_id, user_id, model, input_tokens, output_tokens, cost, batch_size, candidate_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ec.RepositoryID, ec.UserID, ec.Model, ec.InputTokens, ec.OutputTokens,
		ec.Cost, ec.BatchSize, ec.CandidateIDs)
	if err != nil {
		return fmt.Errorf("store: insert extraction cost: %w", err)
	}
	return nil
}

func (p *Postgres) ExtractionSpendSince(ctx context.Context, repoID int64, since time.Time) (float64, int64, error) {
	var cost float64
	var calls int64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0), COUNT(*)
		 FROM extraction_costs WHERE repository_id = $1 AND created_at >= $2`,
		repoID, since,
	).Scan(&cost, &calls)
	if err != nil {
		return 0, 0, fmt.Errorf("store: extraction spend: %w", err)
	}
	return cost, calls, nil
}
