// internal/apperrors/errors.go
package apperrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
)

// Sentinel errors forming the pipeline's error taxonomy. Transport and
// rate-limit conditions are recovered locally at the client boundary;
// authorization, conflict and validation conditions surface to the caller
// unmodified.
var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrAuthInvalid        = errors.New("credential invalid")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrLimitExceeded      = errors.New("extraction limit exceeded")
	ErrValidation         = errors.New("validation failed")
)

// RateLimitedError signals the platform refused the call and suggested when
// to retry. It is distinguishable from a generic failure so the orchestrator
// can end the run as partial instead of error.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ConflictError reports a lost state-machine race or an illegal transition,
// carrying the actual current status so callers never have to guess.
type ConflictError struct {
	CandidateID   int64
	CurrentStatus model.CandidateStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("candidate %d is %q, operation not permitted", e.CandidateID, e.CurrentStatus)
}
