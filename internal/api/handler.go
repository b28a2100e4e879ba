package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clearpath-legal/kestrel/internal/confidence"
	"github.com/clearpath-legal/kestrel/internal/diff"
	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/lifecycle"
	"github.com/clearpath-legal/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	manager    *lifecycle.Manager
	comparator *diff.Service
	evaluator  *worker.Worker
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, manager *lifecycle.Manager, comparator *diff.Service, evaluator *worker.Worker, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		manager:    manager,
		comparator: comparator,
		evaluator:  evaluator,
		version:    version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateVisaTypeRequest is the request body for POST /visa-types.
type CreateVisaTypeRequest struct {
	Jurisdiction string `json:"jurisdiction"`
	Code         string `json:"code"`
	Name         string `json:"name"`
}

// CreateVisaType handles POST /visa-types.
func (h *Handler) CreateVisaType(w http.ResponseWriter, r *http.Request) {
	var req CreateVisaTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.Jurisdiction == "" || req.Code == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "jurisdiction, code, and name are required"})
		return
	}

	vt := &domain.VisaType{
		ID:           uuid.New().String(),
		Jurisdiction: req.Jurisdiction,
		Code:         req.Code,
		Name:         req.Name,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.repo.SaveVisaType(r.Context(), vt); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("visa type created", "id", vt.ID, "jurisdiction", vt.Jurisdiction, "code", vt.Code)
	writeJSON(w, http.StatusCreated, vt)
}

// ListVisaTypes handles GET /visa-types.
func (h *Handler) ListVisaTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.repo.ListVisaTypes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"visaTypes": types,
		"count":     len(types),
	})
}

// GetVisaType handles GET /visa-types/{id}.
func (h *Handler) GetVisaType(w http.ResponseWriter, r *http.Request) {
	vt, err := h.repo.GetVisaType(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vt)
}

// CreateVersionRequest is the request body for creating a rule version.
type CreateVersionRequest struct {
	EffectiveFrom        time.Time                    `json:"effectiveFrom"`
	EffectiveTo          *time.Time                   `json:"effectiveTo,omitempty"`
	CreatedBy            string                       `json:"createdBy"`
	Requirements         []domain.Requirement         `json:"requirements,omitempty"`
	DocumentRequirements []domain.DocumentRequirement `json:"documentRequirements,omitempty"`
}

// CreateVersion handles POST /visa-types/{id}/versions.
func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	v, err := h.manager.CreateVersion(r.Context(), lifecycle.CreateVersionInput{
		VisaTypeID:           chi.URLParam(r, "id"),
		EffectiveFrom:        req.EffectiveFrom,
		EffectiveTo:          req.EffectiveTo,
		CreatedBy:            req.CreatedBy,
		Requirements:         req.Requirements,
		DocumentRequirements: req.DocumentRequirements,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListVersions handles GET /visa-types/{id}/versions.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"

	versions, err := h.repo.ListRuleVersions(r.Context(), chi.URLParam(r, "id"), includeDeleted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

// GetVersion handles GET /versions/{id}.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.GetRuleVersion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdateVersionRequest is the request body for PATCH /versions/{id}.
// Absent fields keep their current value.
type UpdateVersionRequest struct {
	ExpectedVersion      int                          `json:"expectedVersion"`
	EffectiveFrom        *time.Time                   `json:"effectiveFrom,omitempty"`
	EffectiveTo          *time.Time                   `json:"effectiveTo,omitempty"`
	ClearEffectiveTo     bool                         `json:"clearEffectiveTo,omitempty"`
	Requirements         []domain.Requirement         `json:"requirements,omitempty"`
	DocumentRequirements []domain.DocumentRequirement `json:"documentRequirements,omitempty"`
	UpdatedBy            string                       `json:"updatedBy"`
}

// UpdateVersion handles PATCH /versions/{id}.
func (h *Handler) UpdateVersion(w http.ResponseWriter, r *http.Request) {
	var req UpdateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	v, err := h.manager.Update(r.Context(), chi.URLParam(r, "id"), req.ExpectedVersion, lifecycle.UpdateVersionInput{
		EffectiveFrom:        req.EffectiveFrom,
		EffectiveTo:          req.EffectiveTo,
		ClearEffectiveTo:     req.ClearEffectiveTo,
		Requirements:         req.Requirements,
		DocumentRequirements: req.DocumentRequirements,
		UpdatedBy:            req.UpdatedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// VersionActionRequest carries the optimistic-lock token plus the actor for
// publish, unpublish, and delete.
type VersionActionRequest struct {
	ExpectedVersion int    `json:"expectedVersion"`
	By              string `json:"by"`
}

// PublishVersion handles POST /versions/{id}/publish.
func (h *Handler) PublishVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	v, err := h.manager.Publish(r.Context(), chi.URLParam(r, "id"), req.ExpectedVersion, req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UnpublishVersion handles POST /versions/{id}/unpublish.
func (h *Handler) UnpublishVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	v, err := h.manager.Unpublish(r.Context(), chi.URLParam(r, "id"), req.ExpectedVersion, req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DeleteVersion handles DELETE /versions/{id}.
func (h *Handler) DeleteVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	if err := h.manager.SoftDelete(r.Context(), chi.URLParam(r, "id"), req.ExpectedVersion, req.By); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// RollbackRequest is the request body for POST /visa-types/{id}/rollback.
type RollbackRequest struct {
	CurrentVersionID string `json:"currentVersionId"`
	TargetVersionID  string `json:"targetVersionId"`
	By               string `json:"by"`
}

// Rollback handles POST /visa-types/{id}/rollback.
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.CurrentVersionID == "" || req.TargetVersionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "currentVersionId and targetVersionId are required"})
		return
	}

	result, err := h.manager.RollbackTo(r.Context(), req.CurrentVersionID, req.TargetVersionID, req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DetectConflicts handles GET /visa-types/{id}/conflicts.
// Query: from (RFC3339, required), to (RFC3339, optional), exclude (optional).
func (h *Handler) DetectConflicts(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from must be an RFC3339 timestamp"})
		return
	}
	var to *time.Time
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to must be an RFC3339 timestamp"})
			return
		}
		to = &t
	}

	conflicts, err := h.manager.DetectConflicts(r.Context(), chi.URLParam(r, "id"), from, to, r.URL.Query().Get("exclude"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// AnalyzeCoverage handles GET /visa-types/{id}/coverage.
// Query: from and to (RFC3339, both required).
func (h *Handler) AnalyzeCoverage(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from must be an RFC3339 timestamp"})
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to must be an RFC3339 timestamp"})
		return
	}

	report, err := h.manager.AnalyzeGaps(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CompareVersions handles GET /versions/compare?a={id}&b={id}.
func (h *Handler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	a := r.URL.Query().Get("a")
	b := r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query parameters a and b are required"})
		return
	}

	// Lookup failures come back inside the diff, not as an HTTP error.
	writeJSON(w, http.StatusOK, h.comparator.Compare(r.Context(), a, b))
}

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	CaseID     string            `json:"caseId"`
	VisaTypeID string            `json:"visaTypeId"`
	AsOf       *time.Time        `json:"asOf,omitempty"`
	Facts      map[string]any    `json:"facts"`
	AIVerdict  *domain.AIVerdict `json:"aiVerdict,omitempty"`
}

// Evaluate handles POST /evaluate: synchronous case evaluation through the
// same pipeline the async worker runs.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.CaseID == "" || req.VisaTypeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "caseId and visaTypeId are required"})
		return
	}

	evaluation, err := h.evaluator.Evaluate(ctx, &worker.CaseEvaluateMessage{
		CaseID:     req.CaseID,
		VisaTypeID: req.VisaTypeID,
		TraceID:    GetTraceID(ctx),
		AsOf:       req.AsOf,
		Facts:      req.Facts,
		AIVerdict:  req.AIVerdict,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluation)
}

// ScoreRequirementRequest is the request body for POST /requirements/score.
type ScoreRequirementRequest struct {
	Requirement     domain.Requirement `json:"requirement"`
	SourceText      string             `json:"sourceText,omitempty"`
	DocumentQuality float64            `json:"documentQuality,omitempty"`
}

// ScoreRequirement handles POST /requirements/score: scores how trustworthy
// an extracted requirement is before it enters a draft version.
func (h *Handler) ScoreRequirement(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequirementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.Requirement.RequirementCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "requirement.requirementCode is required"})
		return
	}

	score := confidence.Score(req.Requirement, req.SourceText, confidence.ScoreOptions{
		DocumentQuality: req.DocumentQuality,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"requirementCode": req.Requirement.RequirementCode,
		"confidence":      score,
	})
}

// GetEvaluation handles GET /evaluations/{id}.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	eval, err := h.repo.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// writeError maps the domain error taxonomy onto HTTP statuses. Conflict
// responses surface colliding version IDs and lock numbers when present.
func writeError(w http.ResponseWriter, err error) {
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		body := map[string]any{"error": conflict.Error()}
		if len(conflict.ConflictingVersionIDs) > 0 {
			body["conflictingVersionIds"] = conflict.ConflictingVersionIDs
		}
		if conflict.ExpectedVersion != 0 || conflict.ActualVersion != 0 {
			body["expectedVersion"] = conflict.ExpectedVersion
			body["actualVersion"] = conflict.ActualVersion
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
