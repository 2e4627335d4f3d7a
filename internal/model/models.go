// internal/model/models.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the lifecycle status of a repository or a sync operation.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusError   SyncStatus = "error"
)

// Terminal reports whether the status is a terminal sync outcome.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSuccess || s == SyncStatusPartial || s == SyncStatusError
}

// CandidateStatus is the state of a candidate in its state machine.
type CandidateStatus string

const (
	CandidateStatusNew        CandidateStatus = "new"
	CandidateStatusExtracting CandidateStatus = "extracting"
	CandidateStatusExtracted  CandidateStatus = "extracted"
	CandidateStatusFailed     CandidateStatus = "failed"
	CandidateStatusDismissed  CandidateStatus = "dismissed"
	CandidateStatusApproved   CandidateStatus = "approved"
)

// DismissReason is the closed set of reasons a candidate may be dismissed with.
type DismissReason string

const (
	DismissNotDecision DismissReason = "not_decision"
	DismissTooMinor    DismissReason = "too_minor"
	DismissDuplicate   DismissReason = "duplicate"
	DismissIncorrect   DismissReason = "incorrect"
	DismissOther       DismissReason = "other"
)

// IsValid reports whether the reason is one of the allowed dismiss reasons.
func (r DismissReason) IsValid() bool {
	switch r {
	case DismissNotDecision, DismissTooMinor, DismissDuplicate, DismissIncorrect, DismissOther:
		return true
	}
	return false
}

// Cursor is the incremental-fetch watermark stored per repository. The two
// sub-cursors advance independently: pull requests are fetched by updated-at,
// commits by commit date. A nil field means "never fetched".
type Cursor struct {
	PRUpdatedAfter *time.Time `json:"pr_updated_after"`
	CommitSince    *time.Time `json:"commit_since"`
}

// CursorUpdate carries a partial cursor advance; only non-nil fields are applied.
type CursorUpdate struct {
	PRUpdatedAfter *time.Time
	CommitSince    *time.Time
}

// Repository represents one tracked code-hosting repository owned by a user.
type Repository struct {
	ID             int64
	UserID         int64
	Owner          string
	Name           string
	Enabled        bool
	SyncStatus     SyncStatus
	Cursor         Cursor
	ArtifactCount  int64
	CandidateCount int64
	DecisionCount  int64
	LastSyncedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SyncLogEntry is one structured log line attached to a sync operation.
type SyncLogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// SyncOperation is one record per orchestrator invocation. Created at sync
// start, updated in place while the run progresses, immutable once terminal.
type SyncOperation struct {
	ID                uuid.UUID
	RepositoryID      int64
	UserID            int64
	Status            SyncStatus
	StartedAt         time.Time
	CompletedAt       *time.Time
	FetchedCount      int
	SievedInCount     int
	SievedOutCount    int
	CandidatesCreated int
	ErrorMessage      string
	Logs              []SyncLogEntry
}

// Artifact is the raw denormalized representation of one fetched pull request.
type Artifact struct {
	ID           int64
	RepositoryID int64
	PlatformID   int64
	Number       int
	Title        string
	Body         string
	Patch        string
	Author       string
	MergedAt     *time.Time
	Kind         string
	FetchedAt    time.Time
	UpdatedAt    time.Time
}

// Candidate is the sieve's verdict on one artifact, awaiting extraction,
// approval or dismissal. One candidate maps to exactly one artifact and
// produces at most one decision.
type Candidate struct {
	ID            int64
	RepositoryID  int64
	UserID        int64
	ArtifactID    int64
	Status        CandidateStatus
	Title         string
	Summary       string
	Context       string
	Decision      string
	Consequences  string
	Confidence    float64
	Impact        string
	Risk          string
	Tags          []string
	Model         string
	RawResponse   string
	DismissReason DismissReason
	DismissNote   string
	ExtractedAt   *time.Time
	ApprovedAt    *time.Time
	DecisionID    *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Decision is an approved, user-facing architectural decision record.
// Immutable after creation except through an explicit edit; soft-deleted
// via the DeletedAt tombstone, never hard-deleted.
type Decision struct {
	ID           uuid.UUID
	RepositoryID int64
	UserID       int64
	CandidateID  int64
	ArtifactID   int64
	Title        string
	Context      string
	Decision     string
	Reasoning    string
	Consequences string
	Alternatives []string
	Tags         []string
	Significance float64
	Model        string
	RawResponse  string
	CreatedAt    time.Time
	EditedAt     *time.Time
	DeletedAt    *time.Time
}

// ExtractionCost is a write-once ledger entry for one extraction invocation.
type ExtractionCost struct {
	ID           int64
	RepositoryID int64
	UserID       int64
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	BatchSize    int
	CandidateIDs []int64
	CreatedAt    time.Time
}
