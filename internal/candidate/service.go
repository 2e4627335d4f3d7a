// internal/candidate/service.go

// Package candidate implements the candidate/decision state machine:
// new -> {extracting -> {extracted, failed}, dismissed}; new|extracted ->
// approved. The claim into extracting and every terminal transition are
// atomic conditional updates, so the machine is safe under concurrent
// callers across process instances.
package candidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Wasif-ZA/decision.log-sub001/internal/apperrors"
	"github.com/Wasif-ZA/decision.log-sub001/internal/extract"
	"github.com/Wasif-ZA/decision.log-sub001/internal/governor"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
	"github.com/Wasif-ZA/decision.log-sub001/internal/store"
)

// Extractor is the slice of the extraction client the service needs.
type Extractor interface {
	Extract(ctx context.Context, batch []extract.PRSummary) (*extract.Result, error)
	SuggestConsequences(ctx context.Context, title, context_, decision, reasoning string) (*extract.Suggestions, error)
}

// Gate is the admission-control interface of the governor.
type Gate interface {
	EnforceLimit(ctx context.Context, repoID int64) error
	RecordCost(ctx context.Context, repoID, userID int64, u governor.Usage) error
}

// ExtractionOutcome reports what happened to a claimed candidate. Extracted
// is false when the model legitimately declined ("not a decision"); the
// candidate is then in status failed and may be re-attempted.
type ExtractionOutcome struct {
	Candidate model.Candidate
	Extracted bool
}

// Service owns candidate state transitions.
type Service struct {
	db        store.Store
	gate      Gate
	extractor Extractor
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(db store.Store, gate Gate, extractor Extractor, logger *slog.Logger) *Service {
	return &Service{db: db, gate: gate, extractor: extractor, logger: logger, now: time.Now}
}

// ClaimForExtraction claims the candidate and runs the paid extraction step.
// The governor gate runs before the claim, so a LimitExceeded rejection
// leaves the candidate's status untouched. After a successful claim any
// failure compensates the candidate to failed; it is never left extracting.
func (s *Service) ClaimForExtraction(ctx context.Context, candidateID, userID int64) (*ExtractionOutcome, error) {
	cand, err := s.getOwned(ctx, candidateID, userID)
	if err != nil {
		return nil, err
	}

	// Hard admission gate before any claim or paid call.
	if err := s.gate.EnforceLimit(ctx, cand.RepositoryID); err != nil {
		return nil, err
	}

	claimed, err := s.db.ClaimCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, s.conflict(ctx, candidateID)
	}

	// Once claimed, ledger writes and the compensating transition must land
	// even when the caller's context is already canceled (client disconnect
	// mid-extraction); otherwise the candidate is stuck in extracting.
	persistCtx := context.WithoutCancel(ctx)

	completed := false
	defer func() {
		if completed {
			return
		}
		// Compensating action: a claimed candidate must never stay stuck.
		if failErr := s.db.FailExtraction(persistCtx, candidateID); failErr != nil {
			s.logger.Error("Failed to compensate candidate to failed", "candidate_id", candidateID, "error", failErr)
		}
	}()

	artifact, err := s.db.GetArtifact(ctx, cand.ArtifactID)
	if err != nil {
		return nil, err
	}

	result, err := s.extractor.Extract(ctx, []extract.PRSummary{{
		ID:       artifact.ID,
		Title:    artifact.Title,
		Body:     artifact.Body,
		Diff:     artifact.Patch,
		Author:   artifact.Author,
		MergedAt: artifact.MergedAt,
	}})
	if result != nil {
		// The ledger records every attempt, even ones whose candidate ends
		// up failed.
		_ = s.gate.RecordCost(persistCtx, cand.RepositoryID, userID, governor.Usage{
			Model:        result.Model,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			Cost:         result.Cost,
			BatchSize:    1,
			CandidateIDs: []int64{candidateID},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	if len(result.Decisions) == 0 {
		// Legitimate outcome: the model judged this not to be a decision.
		// The candidate moves to failed, which is re-attemptable.
		if failErr := s.db.FailExtraction(persistCtx, candidateID); failErr != nil {
			return nil, failErr
		}
		completed = true
		failed := cand
		failed.Status = model.CandidateStatusFailed
		return &ExtractionOutcome{Candidate: failed, Extracted: false}, nil
	}

	d := result.Decisions[0]
	cand.Title = d.Title
	cand.Summary = firstNonEmpty(d.Context, cand.Summary)
	cand.Context = d.Context
	cand.Decision = d.Decision
	cand.Consequences = d.Consequences
	cand.Confidence = d.Significance
	cand.Tags = mergeTags(cand.Tags, d.Tags)
	cand.Model = result.Model
	cand.RawResponse = result.RawResponse

	ok, err := s.db.CompleteExtraction(persistCtx, cand)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The run lost its claim (e.g. a reconciliation sweep intervened).
		return nil, s.conflict(persistCtx, candidateID)
	}

	completed = true
	updated, err := s.db.GetCandidate(persistCtx, candidateID)
	if err != nil {
		updated = cand
		updated.Status = model.CandidateStatusExtracted
	}
	return &ExtractionOutcome{Candidate: updated, Extracted: true}, nil
}

// Approve promotes a new or extracted candidate into an immutable decision.
// Decision creation, the candidate flip with back-link, and the repository
// counter increment commit in one transaction or not at all.
func (s *Service) Approve(ctx context.Context, candidateID, userID int64) (*model.Decision, error) {
	cand, err := s.getOwned(ctx, candidateID, userID)
	if err != nil {
		return nil, err
	}

	// Idempotent check, not a race guard: approval is user-gated.
	if cand.Status == model.CandidateStatusApproved {
		return nil, &apperrors.ConflictError{CandidateID: candidateID, CurrentStatus: cand.Status}
	}
	if cand.Status != model.CandidateStatusNew && cand.Status != model.CandidateStatusExtracted {
		return nil, &apperrors.ConflictError{CandidateID: candidateID, CurrentStatus: cand.Status}
	}

	d := model.Decision{
		ID:           uuid.New(),
		RepositoryID: cand.RepositoryID,
		UserID:       cand.UserID,
		CandidateID:  cand.ID,
		ArtifactID:   cand.ArtifactID,
		Title:        cand.Title,
		Context:      cand.Context,
		Decision:     cand.Decision,
		Consequences: cand.Consequences,
		Tags:         cand.Tags,
		Significance: cand.Confidence,
		Model:        cand.Model,
		RawResponse:  cand.RawResponse,
		CreatedAt:    s.now().UTC(),
	}

	created, ok, err := s.db.ApproveCandidate(ctx, cand, d)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another approval or a dismissal.
		return nil, s.conflict(ctx, candidateID)
	}
	return &created, nil
}

// Dismiss moves a new candidate to dismissed. The reason must come from the
// closed enumeration; dismissal of any non-new candidate is a conflict.
func (s *Service) Dismiss(ctx context.Context, candidateID, userID int64, reason model.DismissReason, note string) (*model.Candidate, error) {
	if !reason.IsValid() {
		return nil, fmt.Errorf("%w: unknown dismiss reason %q", apperrors.ErrValidation, reason)
	}

	if _, err := s.getOwned(ctx, candidateID, userID); err != nil {
		return nil, err
	}

	ok, err := s.db.DismissCandidate(ctx, candidateID, reason, note)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.conflict(ctx, candidateID)
	}

	dismissed, err := s.db.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	return &dismissed, nil
}

// SuggestConsequences runs the consequence-suggestion call for a candidate.
// It shares the governor gate and cost accounting with extraction but claims
// nothing.
func (s *Service) SuggestConsequences(ctx context.Context, candidateID, userID int64) ([]string, error) {
	cand, err := s.getOwned(ctx, candidateID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.EnforceLimit(ctx, cand.RepositoryID); err != nil {
		return nil, err
	}

	result, err := s.extractor.SuggestConsequences(ctx, cand.Title, cand.Context, cand.Decision, cand.Summary)
	if result != nil {
		_ = s.gate.RecordCost(ctx, cand.RepositoryID, userID, governor.Usage{
			Model:        result.Model,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			Cost:         result.Cost,
			BatchSize:    1,
			CandidateIDs: []int64{candidateID},
		})
	}
	if err != nil {
		return nil, err
	}
	return result.Suggestions, nil
}

// getOwned resolves the candidate and enforces ownership.
func (s *Service) getOwned(ctx context.Context, candidateID, userID int64) (model.Candidate, error) {
	cand, err := s.db.GetCandidate(ctx, candidateID)
	if err != nil {
		return model.Candidate{}, err
	}
	if cand.UserID != userID {
		return model.Candidate{}, fmt.Errorf("%w: candidate %d", apperrors.ErrForbidden, candidateID)
	}
	return cand, nil
}

// conflict reports the candidate's actual current status after a lost
// conditional update.
func (s *Service) conflict(ctx context.Context, candidateID int64) error {
	current, err := s.db.GetCandidate(ctx, candidateID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return &apperrors.ConflictError{CandidateID: candidateID, CurrentStatus: current.Status}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeTags(existing, extracted []string) []string {
	seen := make(map[string]bool, len(existing)+len(extracted))
	var merged []string
	for _, t := range append(append([]string{}, existing...), extracted...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		merged = append(merged, t)
	}
	return merged
}
