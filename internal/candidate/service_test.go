// internal/candidate/service_test.go
package candidate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Wasif-ZA/decision.log-sub001/internal/apperrors"
	"github.com/Wasif-ZA/decision.log-sub001/internal/extract"
	"github.com/Wasif-ZA/decision.log-sub001/internal/governor"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
	"github.com/Wasif-ZA/decision.log-sub001/internal/store/storemock"
)

// mockExtractor is a mock of the Extractor interface.
type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, batch []extract.PRSummary) (*extract.Result, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

func (m *mockExtractor) SuggestConsequences(ctx context.Context, title, context_, decision, reasoning string) (*extract.Suggestions, error) {
	args := m.Called(ctx, title, context_, decision, reasoning)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Suggestions), args.Error(1)
}

// mockGate is a mock of the Gate interface.
type mockGate struct {
	mock.Mock
}

func (m *mockGate) EnforceLimit(ctx context.Context, repoID int64) error {
	args := m.Called(ctx, repoID)
	return args.Error(0)
}

func (m *mockGate) RecordCost(ctx context.Context, repoID, userID int64, u governor.Usage) error {
	args := m.Called(ctx, repoID, userID, u)
	return args.Error(0)
}

func testService(db *storemock.Store, gate *mockGate, extractor *mockExtractor) *Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewService(db, gate, extractor, logger)
}

func newCandidate() model.Candidate {
	return model.Candidate{
		ID:           10,
		RepositoryID: 1,
		UserID:       7,
		ArtifactID:   3,
		Status:       model.CandidateStatusNew,
		Title:        "Migrate queue to NATS",
		Summary:      "broker migration",
		Tags:         []string{"infra"},
	}
}

func testArtifact() model.Artifact {
	return model.Artifact{ID: 3, RepositoryID: 1, Title: "Migrate queue to NATS", Body: "rationale", Patch: "+code"}
}

func extractionResult(decisions ...extract.ExtractedDecision) *extract.Result {
	return &extract.Result{
		Decisions:    decisions,
		Model:        "claude-3-5-haiku-latest",
		InputTokens:  1000,
		OutputTokens: 200,
		Cost:         0.0016,
		RawResponse:  `[...]`,
	}
}

func TestClaimForExtraction_Success(t *testing.T) {
	ctx := context.Background()
	db := new(storemock.Store)
	gate := new(mockGate)
	extractor := new(mockExtractor)
	svc := testService(db, gate, extractor)

	cand := newCandidate()
	db.On("GetCandidate", ctx, int64(10)).Return(cand, nil).Once()
	gate.On("EnforceLimit", ctx, int64(1)).Return(nil).Once()
	db.On("ClaimCandidate", ctx, int64(10)).Return(true, nil).Once()
	db.On("GetArtifact", ctx, int64(3)).Return(testArtifact(), nil).Once()

	extractor.On("Extract", mock.Anything, mock.MatchedBy(func(batch []extract.PRSummary) bool {
		return len(batch) == 1 && batch[0].ID == 3
	})).Return(extractionResult(extract.ExtractedDecision{
		SourceID:     3,
		Title:        "Migrate queue to NATS",
		Context:      "workers moved to separate machines",
		Decision:     "adopt NATS as the broker",
		Consequences: "new infra component",
		Tags:         []string{"messaging"},
		Significance: 0.8,
	}), nil).Once()

	gate.On("RecordCost", mock.Anything, int64(1), int64(7), mock.MatchedBy(func(u governor.Usage) bool {
		return u.Cost == 0.0016 && len(u.CandidateIDs) == 1 && u.CandidateIDs[0] == 10
	})).Return(nil).Once()

	db.On("CompleteExtraction", mock.Anything, mock.MatchedBy(func(c model.Candidate) bool {
		return c.Decision == "adopt NATS as the broker" && c.Model == "claude-3-5-haiku-latest" && c.RawResponse != ""
	})).Return(true, nil).Once()

	extracted := newCandidate()
	extracted.Status = model.CandidateStatusExtracted
	extracted.Decision = "adopt NATS as the broker"
	db.On("GetCandidate", mock.Anything, int64(10)).Return(extracted, nil).Once()

	outcome, err := svc.ClaimForExtraction(ctx, 10, 7)

	require.NoError(t, err)
	assert.True(t, outcome.Extracted)
	assert.Equal(t, model.CandidateStatusExtracted, outcome.Candidate.Status)
	db.AssertExpectations(t)
	gate.AssertExpectations(t)
	extractor.AssertExpectations(t)
	db.AssertNotCalled(t, "FailExtraction")
}

// A lost claim reports Conflict with the actual current status; it never
// retries blindly.
func TestClaimForExtraction_Conflict(t *testing.T) {
	ctx := context.Background()
	db := new(storemock.Store)
	gate := new(mockGate)
	extractor := new(mockExtractor)
	svc := testService(db, gate, extractor)

	cand := newCandidate()
	db.On("GetCandidate", ctx, int64(10)).Return(cand, nil).Once()
	gate.On("EnforceLimit", ctx, int64(1)).Return(nil).Once()
	db.On("ClaimCandidate", ctx, int64(10)).Return(false, nil).Once()

	claimed := newCandidate()
	claimed.Status = model.CandidateStatusExtracting
	db.On("GetCandidate", ctx, int64(10)).Return(claimed, nil).Once()

	_, err := svc.ClaimForExtraction(ctx, 10, 7)

	var conflict *apperrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, model.CandidateStatusExtracting, conflict.CurrentStatus)
	extractor.AssertNotCalled(t, "Extract")
}

// Cost gate: with spend at the ceiling, no claim happens and no paid call is
// dispatched; the candidate keeps its pre-claim status.
func TestClaimForExtraction_LimitExceeded(t *testing.T) {
	ctx := context.Background()
	db := new(storemock.Store)
	gate := new(mockGate)
	extractor := new(mockExtractor)
	svc := testService(db, gate, extractor)

	db.On("GetCandidate", ctx, int64(10)).Return(newCandidate(), nil).Once()
	gate.On("EnforceLimit", ctx, int64(1)).Return(apperrors.ErrLimitExceeded).Once()

	_, err := svc.ClaimForExtraction(ctx, 10, 7)

	assert.ErrorIs(t, err, apperrors.ErrLimitExceeded)
	db.AssertNotCalled(t, "ClaimCandidate")
	extractor.AssertNotCalled(t, "Extract")
}

// Scenario: the model declines to extract. The candidate transitions to
// failed, no decision is created, and the cost is still recorded.
func TestClaimForExtraction_ZeroDecisions(t *testing.T) {
	ctx := context.Background()
	db := new(storemock.Store)
	gate := new(mockGate)
	extractor := new(mockExtractor)
	svc := testService(db, gate, extractor)

	db.On("GetCandidate", ctx, int64(10)).Return(newCandidate(), nil).Once()
	gate.On("EnforceLimit", ctx, int64(1)).Return(nil).Once()
	db.On("ClaimCandidate", ctx, int64(10)).Return(true, nil).Once()
	db.On("GetArtifact", ctx, int64(3)).Return(testArtifact(), nil).Once()
	extractor.On("Extract", mock.Anything, mock.Anything).Return(extractionResult(), nil).Once()
	gate.On("RecordCost", mock.Anything, int64(1), int64(7), mock.Anything).Return(nil).Once()
	db.On("FailExtraction", mock.Anything, int64(10)).Return(nil).Once()

	outcome, err := svc.ClaimForExtraction(ctx, 10, 7)

	require.NoError(t, err)
	assert.False(t, outcome.Extracted)
	assert.Equal(t, model.CandidateStatusFailed, outcome.Candidate.Status)
	db.AssertExpectations(t)
	gate.AssertExpectations(t)
	db.AssertNotCalled(t, "CompleteExtraction")
	db.AssertNotCalled(t, "ApproveCandidate")
}

// A transport failure after the claim compensates the candidate to failed.
func TestClaimForExtraction_TransportFailureCompensates(t *testing.T) {
	ctx := context.Background()
	db := new(storemock.Store)
	gate := new(mockGate)
	extractor := new(mockExtractor)
	svc := testService(db, gate, extractor)

	db.On("GetCandidate", ctx, int64(10)).Return(newCandidate(), nil).Once()
	gate.On("EnforceLimit", ctx, int64(1)).Return(nil).Once()
	db.On("ClaimCandidate", ctx, int64(10)).Return(true, nil).Once()
	db.On("GetArtifact", ctx, int64(3)).Return(testArtifact(), nil).Once()
	extractor.On("Extract", mock.Anything, mock.Anything).Return(nil, errors.New("provider unavailable")).Once()
	db.On("FailExtraction", mock.Anything, int64(10)).Return(nil).Once()

	_, err := svc.ClaimForExtraction(ctx, 10, 7)

	require.Error(t, err)
	db.AssertExpectations(t)
	gate.AssertNotCalled(t, "RecordCost")
}

// A client disconnect mid-extraction cancels the request context. The cost
// ledger write and the compensating transition to failed must still land on a
// live context, or the candidate stays in extracting forever.
func TestClaimForExtraction_DisconnectStillCompensates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := new(storemock.Store)
	gate := new(mockGate)
	extractor := new(mockExtractor)
	svc := testService(db, gate, extractor)

	db.On("GetCandidate", ctx, int64(10)).Return(newCandidate(), nil).Once()
	gate.On("EnforceLimit", ctx, int64(1)).Return(nil).Once()
	db.On("ClaimCandidate", ctx, int64(10)).Return(true, nil).Once()
	db.On("GetArtifact", ctx, int64(3)).Return(testArtifact(), nil).Once()

	// The disconnect lands while the paid call is in flight.
	extractor.On("Extract", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { cancel() }).
		Return(extractionResult(), context.Canceled).Once()

	liveCtx := mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil })
	gate.On("RecordCost", liveCtx, int64(1), int64(7), mock.Anything).Return(nil).Once()
	db.On("FailExtraction", liveCtx, int64(10)).Return(nil).Once()

	_, err := svc.ClaimForExtraction(ctx, 10, 7)

	require.Error(t, err)
	db.AssertExpectations(t)
	gate.AssertExpectations(t)
}

func TestClaimForExtraction_Forbidden(t *testing.T) {
	ctx := context.Background()
	db := new(storemock.Store)
	svc := testService(db, new(mockGate), new(mockExtractor))

	db.On("GetCandidate", ctx, int64(10)).Return(newCandidate(), nil).Once()

	_, err := svc.ClaimForExtraction(ctx, 10, 99)

	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	db.AssertNotCalled(t, "ClaimCandidate")
}

func TestApprove(t *testing.T) {
	ctx := context.Background()

	t.Run("creates decision with back-link atomically", func(t *testing.T) {
		db := new(storemock.Store)
		svc := testService(db, new(mockGate), new(mockExtractor))

		cand := newCandidate()
		cand.Status = model.CandidateStatusExtracted
		cand.Decision = "adopt NATS"
		cand.Model = "claude-3-5-haiku-latest"
		db.On("GetCandidate", ctx, int64(10)).Return(cand, nil).Once()

		db.On("ApproveCandidate", ctx, cand, mock.MatchedBy(func(d model.Decision) bool {
			return d.CandidateID == 10 && d.ArtifactID == 3 && d.Decision == "adopt NATS" &&
				d.Model == "claude-3-5-haiku-latest" && d.RepositoryID == 1
		})).Return(model.Decision{CandidateID: 10, Decision: "adopt NATS"}, true, nil).Once()

		d, err := svc.Approve(ctx, 10, 7)

		require.NoError(t, err)
		assert.Equal(t, int64(10), d.CandidateID)
		db.AssertExpectations(t)
	})

	t.Run("approval may bypass extraction from new", func(t *testing.T) {
		db := new(storemock.Store)
		svc := testService(db, new(mockGate), new(mockExtractor))

		cand := newCandidate() // status new
		db.On("GetCandidate", ctx, int64(10)).Return(cand, nil).Once()
		db.On("ApproveCandidate", ctx, cand, mock.Anything).Return(model.Decision{CandidateID: 10}, true, nil).Once()

		_, err := svc.Approve(ctx, 10, 7)

		require.NoError(t, err)
	})

	t.Run("double approval rejected", func(t *testing.T) {
		db := new(storemock.Store)
		svc := testService(db, new(mockGate), new(mockExtractor))

		cand := newCandidate()
		cand.Status = model.CandidateStatusApproved
		db.On("GetCandidate", ctx, int64(10)).Return(cand, nil).Once()

		_, err := svc.Approve(ctx, 10, 7)

		var conflict *apperrors.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, model.CandidateStatusApproved, conflict.CurrentStatus)
		db.AssertNotCalled(t, "ApproveCandidate")
	})

	t.Run("lost race surfaces conflict with actual status", func(t *testing.T) {
		db := new(storemock.Store)
		svc := testService(db, new(mockGate), new(mockExtractor))

		cand := newCandidate()
		db.On("GetCandidate", ctx, int64(10)).Return(cand, nil).Once()
		db.On("ApproveCandidate", ctx, cand, mock.Anything).Return(model.Decision{}, false, nil).Once()

		dismissed := newCandidate()
		dismissed.Status = model.CandidateStatusDismissed
		db.On("GetCandidate", ctx, int64(10)).Return(dismissed, nil).Once()

		_, err := svc.Approve(ctx, 10, 7)

		var conflict *apperrors.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, model.CandidateStatusDismissed, conflict.CurrentStatus)
	})
}

func TestDismiss(t *testing.T) {
	ctx := context.Background()

	t.Run("dismisses a new candidate", func(t *testing.T) {
		db := new(storemock.Store)
		svc := testService(db, new(mockGate), new(mockExtractor))

		db.On("GetCandidate", ctx, int64(10)).Return(newCandidate(), nil).Once()
		db.On("DismissCandidate", ctx, int64(10), model.DismissTooMinor, "just a version bump").Return(true, nil).Once()

		dismissed := newCandidate()
		dismissed.Status = model.CandidateStatusDismissed
		dismissed.DismissReason = model.DismissTooMinor
		db.On("GetCandidate", ctx, int64(10)).Return(dismissed, nil).Once()

		result, err := svc.Dismiss(ctx, 10, 7, model.DismissTooMinor, "just a version bump")

		require.NoError(t, err)
		assert.Equal(t, model.CandidateStatusDismissed, result.Status)
	})

	t.Run("unknown reason rejected before any mutation", func(t *testing.T) {
		db := new(storemock.Store)
		svc := testService(db, new(mockGate), new(mockExtractor))

		_, err := svc.Dismiss(ctx, 10, 7, "bogus", "")

		assert.ErrorIs(t, err, apperrors.ErrValidation)
		db.AssertNotCalled(t, "DismissCandidate")
		db.AssertNotCalled(t, "GetCandidate")
	})

	t.Run("dismissing an extracted candidate is a conflict", func(t *testing.T) {
		db := new(storemock.Store)
		svc := testService(db, new(mockGate), new(mockExtractor))

		extracted := newCandidate()
		extracted.Status = model.CandidateStatusExtracted
		db.On("GetCandidate", ctx, int64(10)).Return(extracted, nil).Twice()
		db.On("DismissCandidate", ctx, int64(10), model.DismissDuplicate, "").Return(false, nil).Once()

		_, err := svc.Dismiss(ctx, 10, 7, model.DismissDuplicate, "")

		var conflict *apperrors.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, model.CandidateStatusExtracted, conflict.CurrentStatus)
	})
}

func TestSuggestConsequences(t *testing.T) {
	ctx := context.Background()
	db := new(storemock.Store)
	gate := new(mockGate)
	extractor := new(mockExtractor)
	svc := testService(db, gate, extractor)

	cand := newCandidate()
	cand.Context = "workers moved"
	cand.Decision = "adopt NATS"
	db.On("GetCandidate", ctx, int64(10)).Return(cand, nil).Once()
	gate.On("EnforceLimit", ctx, int64(1)).Return(nil).Once()
	extractor.On("SuggestConsequences", mock.Anything, cand.Title, cand.Context, cand.Decision, cand.Summary).
		Return(&extract.Suggestions{Suggestions: []string{"new infra to operate"}, Model: "claude-3-5-haiku-latest", InputTokens: 100, OutputTokens: 20, Cost: 0.0002}, nil).Once()
	gate.On("RecordCost", ctx, int64(1), int64(7), mock.Anything).Return(nil).Once()

	suggestions, err := svc.SuggestConsequences(ctx, 10, 7)

	require.NoError(t, err)
	assert.Equal(t, []string{"new infra to operate"}, suggestions)
	db.AssertNotCalled(t, "ClaimCandidate")
	gate.AssertExpectations(t)
}
