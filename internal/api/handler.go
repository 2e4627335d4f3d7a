// internal/api/handler.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Wasif-ZA/decision.log-sub001/internal/apperrors"
	"github.com/Wasif-ZA/decision.log-sub001/internal/candidate"
	"github.com/Wasif-ZA/decision.log-sub001/internal/governor"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
	"github.com/Wasif-ZA/decision.log-sub001/internal/syncer"
)

// Handler is the container for API dependencies.
type Handler struct {
	orchestrator *syncer.Orchestrator
	candidates   *candidate.Service
	governor     *governor.Governor
	credentials  syncer.CredentialProvider
	logger       *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(orc *syncer.Orchestrator, candidates *candidate.Service, gov *governor.Governor, creds syncer.CredentialProvider, logger *slog.Logger) http.Handler {
	h := &Handler{
		orchestrator: orc,
		candidates:   candidates,
		governor:     gov,
		credentials:  creds,
		logger:       logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/repos/{repoID}/sync", h.triggerSync)
		r.Get("/repos/{repoID}/sync", h.getSyncStatus)
		r.Get("/repos/{repoID}/costs", h.getCosts)
		r.Post("/candidates/{id}/extract", h.claimForExtraction)
		r.Post("/candidates/{id}/approve", h.approveCandidate)
		r.Post("/candidates/{id}/dismiss", h.dismissCandidate)
		r.Post("/candidates/{id}/suggest-consequences", h.suggestConsequences)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type triggerSyncResponse struct {
	Success           bool   `json:"success"`
	SyncRunID         string `json:"syncRunId"`
	Status            string `json:"status"`
	AlreadyRunning    bool   `json:"alreadyRunning"`
	FetchedCount      int    `json:"fetchedCount"`
	CandidatesCreated int    `json:"candidatesCreated"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

// triggerSync kicks off a background sync run for the repository and answers
// immediately; clients poll getSyncStatus for the outcome.
// POST /v1/repos/{repoID}/sync
func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	repoID, ok := h.pathID(w, r, "repoID")
	if !ok {
		return
	}

	token, err := h.credentials.Token(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	result, err := h.orchestrator.TriggerSync(r.Context(), repoID, userID, token)
	if err != nil {
		h.respondError(w, err)
		return
	}

	code := http.StatusAccepted
	if result.AlreadyRunning {
		code = http.StatusOK
	}
	respondWithJSON(w, code, triggerSyncResponse{
		Success:           result.Status != model.SyncStatusError,
		SyncRunID:         result.SyncRunID.String(),
		Status:            string(result.Status),
		AlreadyRunning:    result.AlreadyRunning,
		FetchedCount:      result.FetchedCount,
		CandidatesCreated: result.CandidatesCreated,
		ErrorMessage:      result.ErrorMessage,
	})
}

// getSyncStatus returns the latest sync run plus the live repository status.
// GET /v1/repos/{repoID}/sync
func (h *Handler) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	repoID, ok := h.pathID(w, r, "repoID")
	if !ok {
		return
	}

	status, err := h.orchestrator.GetSyncStatus(r.Context(), repoID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	resp := map[string]any{
		"hasSync":    status.HasSync,
		"repoStatus": status.RepoStatus,
	}
	if status.Run != nil {
		resp["syncRun"] = status.Run
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// getCosts reports the trailing-window extraction spend. Read-only.
// GET /v1/repos/{repoID}/costs
func (h *Handler) getCosts(w http.ResponseWriter, r *http.Request) {
	repoID, ok := h.pathID(w, r, "repoID")
	if !ok {
		return
	}

	spend, calls, err := h.governor.Spend(r.Context(), repoID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"windowSpend": spend,
		"windowCalls": calls,
	})
}

// claimForExtraction claims a candidate and runs the extraction step.
// POST /v1/candidates/{id}/extract
func (h *Handler) claimForExtraction(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	candidateID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	outcome, err := h.candidates.ClaimForExtraction(r.Context(), candidateID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"extracted": outcome.Extracted,
		"candidate": outcome.Candidate,
	})
}

// approveCandidate promotes a candidate into a decision.
// POST /v1/candidates/{id}/approve
func (h *Handler) approveCandidate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	candidateID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	decision, err := h.candidates.Approve(r.Context(), candidateID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, decision)
}

type dismissRequest struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

// dismissCandidate dismisses a new candidate with a reason.
// POST /v1/candidates/{id}/dismiss
func (h *Handler) dismissCandidate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	candidateID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req dismissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	dismissed, err := h.candidates.Dismiss(r.Context(), candidateID, userID, model.DismissReason(req.Reason), req.Note)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, dismissed)
}

// suggestConsequences asks the model for likely consequences of a candidate.
// POST /v1/candidates/{id}/suggest-consequences
func (h *Handler) suggestConsequences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	candidateID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	suggestions, err := h.candidates.SuggestConsequences(r.Context(), candidateID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

// userID resolves the authenticated user. The real session layer sits in
// front of this service; it forwards the resolved user id in a header.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusUnauthorized, "Missing or invalid user identity")
		return 0, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid '"+param+"' parameter")
		return 0, false
	}
	return id, true
}

// respondError maps the pipeline error taxonomy onto HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var rateErr *apperrors.RateLimitedError
	var conflictErr *apperrors.ConflictError

	switch {
	case errors.Is(err, apperrors.ErrAuthInvalid):
		respondWithError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, apperrors.ErrForbidden):
		respondWithError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflictErr):
		respondWithJSON(w, http.StatusConflict, map[string]string{
			"error":         conflictErr.Error(),
			"currentStatus": string(conflictErr.CurrentStatus),
		})
	case errors.Is(err, apperrors.ErrValidation):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperrors.ErrLimitExceeded):
		respondWithError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		respondWithError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, apperrors.ErrServiceUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Internal error", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
