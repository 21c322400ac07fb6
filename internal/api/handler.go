package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-health/wardwatch/internal/allocation"
	"github.com/opensource-health/wardwatch/internal/domain"
	"github.com/opensource-health/wardwatch/internal/pipeline"
	"github.com/opensource-health/wardwatch/internal/quality"
	"github.com/opensource-health/wardwatch/internal/repository"
	"github.com/opensource-health/wardwatch/internal/risk"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	runner  *pipeline.Runner
	quality *quality.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, runner *pipeline.Runner, qe *quality.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		runner:  runner,
		quality: qe,
		version: version,
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

// ============================================================================
// DATASET UPLOADS
// ============================================================================

// FacilityUploadRequest is the request body for POST /datasets/facilities.
type FacilityUploadRequest struct {
	Records []*domain.FacilityTestRecord `json:"records"`
}

// UploadFacilities stores raw facility test records for the session.
func (h *Handler) UploadFacilities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var req FacilityUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records is required")
		return
	}

	uploadID := uuid.New().String()
	for _, rec := range req.Records {
		rec.SessionID = sessionID
		rec.UploadID = uploadID
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.Facility == "" || rec.Ward == "" || rec.State == "" {
			writeError(w, http.StatusBadRequest, "facility, ward, and state are required on every record")
			return
		}
	}

	if err := h.repo.SaveFacilityRecords(ctx, sessionID, req.Records); err != nil {
		slog.Error("failed to save facility records", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save facility records")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"uploadId": uploadID,
		"count":    len(req.Records),
	})
}

// BoundaryUploadRequest is the request body for POST /datasets/boundaries.
type BoundaryUploadRequest struct {
	Wards []*domain.BoundaryWard `json:"wards"`
}

// UploadBoundaries replaces the session's boundary ward reference set.
func (h *Handler) UploadBoundaries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var req BoundaryUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Wards) == 0 {
		writeError(w, http.StatusBadRequest, "wards is required")
		return
	}
	for _, b := range req.Wards {
		b.SessionID = sessionID
	}

	if err := h.repo.SaveBoundaryWards(ctx, sessionID, req.Wards); err != nil {
		slog.Error("failed to save boundary wards", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save boundary wards")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"count": len(req.Wards)})
}

// PopulationUploadRequest is the request body for POST /datasets/population.
type PopulationUploadRequest struct {
	Rows []*domain.PopulationRow `json:"rows"`
}

// UploadPopulation replaces the session's ward population table.
func (h *Handler) UploadPopulation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var req PopulationUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows is required")
		return
	}
	for _, row := range req.Rows {
		row.SessionID = sessionID
		if row.Population < 0 {
			writeError(w, http.StatusBadRequest, "population must not be negative")
			return
		}
	}

	if err := h.repo.SavePopulationRows(ctx, sessionID, req.Rows); err != nil {
		slog.Error("failed to save population rows", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save population rows")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"count": len(req.Rows)})
}

// CovariateUploadRequest is the request body for POST /datasets/covariates.
type CovariateUploadRequest struct {
	Rows []*domain.CovariateRow `json:"rows"`
}

// UploadCovariates replaces the session's covariate table.
func (h *Handler) UploadCovariates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var req CovariateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows is required")
		return
	}
	for _, row := range req.Rows {
		row.SessionID = sessionID
	}

	if err := h.repo.SaveCovariateRows(ctx, sessionID, req.Rows); err != nil {
		slog.Error("failed to save covariate rows", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save covariate rows")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"count": len(req.Rows)})
}

// ============================================================================
// PIPELINE STAGES
// ============================================================================

// ResolveWards runs the ward identity resolution stage.
func (h *Handler) ResolveWards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	res, err := h.runner.ResolveWards(ctx, sessionID)
	if err != nil {
		slog.Error("ward resolution failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "ward resolution failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ComputeTPR runs the TPR calculation stage with the posted parameters.
func (h *Handler) ComputeTPR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var params domain.TPRParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if params.Scope == "" {
		params.Scope = domain.ScopeAll
	}
	if !params.Scope.Valid() {
		writeError(w, http.StatusBadRequest, "invalid scope: "+string(params.Scope))
		return
	}

	results, err := h.runner.ComputeTPR(ctx, sessionID, params)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusConflict, "ward resolution has not been run for this session")
			return
		}
		slog.Error("TPR computation failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "TPR computation failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   params.Scope,
		"results": results,
		"count":   len(results),
	})
}

// ScoreRisk runs the risk scoring stage with the posted parameters.
func (h *Handler) ScoreRisk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var params domain.RiskParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	result, err := h.runner.ScoreRisk(ctx, sessionID, params)
	if err != nil {
		if errors.Is(err, risk.ErrInsufficientData) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  err.Error(),
				"result": result,
			})
			return
		}
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusConflict, "ward resolution has not been run for this session")
			return
		}
		slog.Error("risk scoring failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "risk scoring failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// PlanAllocation runs the net allocation stage with the posted parameters.
func (h *Handler) PlanAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var params domain.AllocationParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	plan, err := h.runner.PlanAllocation(ctx, sessionID, params)
	if err != nil {
		if errors.Is(err, allocation.ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusConflict, "earlier pipeline stages have not been run for this session")
			return
		}
		slog.Error("allocation planning failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "allocation planning failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, plan)
}

// RunRequest is the request body for POST /pipeline/run.
type RunRequest struct {
	domain.RunParams
	// Async queues the run on the event bus instead of executing inline.
	Async bool `json:"async,omitempty"`
}

// RunPipeline executes (or queues) a full pipeline run.
func (h *Handler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Async {
		if h.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus not available")
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"sessionId": sessionID,
			"params":    req.RunParams,
		})
		if err := h.bus.Publish(ctx, sessionID, domain.TopicDatasetIngested, payload); err != nil {
			slog.Error("failed to queue pipeline run", "session_id", sessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to queue pipeline run")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "queued",
		})
		return
	}

	out, err := h.runner.Run(ctx, sessionID, req.RunParams)
	if err != nil {
		if errors.Is(err, risk.ErrInsufficientData) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  err.Error(),
				"result": out,
			})
			return
		}
		slog.Error("pipeline run failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "pipeline run failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// RESULTS
// ============================================================================

// GetResolution returns the session's persisted ward resolution.
func (h *Handler) GetResolution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	res, err := h.repo.GetResolution(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no resolution for this session")
			return
		}
		slog.Error("failed to get resolution", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load resolution")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListTPR returns the session's TPR results for one scope.
func (h *Handler) ListTPR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	scope := domain.TPRScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = domain.ScopeAll
	}
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "invalid scope: "+string(scope))
		return
	}

	results, err := h.repo.ListTPRResults(ctx, sessionID, scope)
	if err != nil {
		slog.Error("failed to list TPR results", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load TPR results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   scope,
		"results": results,
		"count":   len(results),
	})
}

// AggregateTPR returns LGA- or state-level TPR roll-ups.
func (h *Handler) AggregateTPR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	scope := domain.TPRScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = domain.ScopeAll
	}
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "invalid scope: "+string(scope))
		return
	}

	level := domain.AdminLevel(r.URL.Query().Get("level"))
	if level == "" {
		level = domain.LevelLGA
	}
	if level != domain.LevelLGA && level != domain.LevelState {
		writeError(w, http.StatusBadRequest, "level must be lga or state")
		return
	}

	rollup, err := h.runner.AggregateTPR(ctx, sessionID, scope, level)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no TPR results for this session")
			return
		}
		slog.Error("failed to aggregate TPR", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate TPR")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   scope,
		"level":   level,
		"results": rollup,
		"count":   len(rollup),
	})
}

// ListRisk returns the session's persisted risk rankings.
func (h *Handler) ListRisk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	rankings, err := h.repo.ListRiskRankings(ctx, sessionID)
	if err != nil {
		slog.Error("failed to list risk rankings", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load risk rankings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rankings": rankings,
		"count":    len(rankings),
	})
}

// GetLatestAllocation returns the session's most recent allocation plan.
func (h *Handler) GetLatestAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	plan, err := h.repo.LatestAllocationPlan(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no allocation plan for this session")
			return
		}
		slog.Error("failed to get allocation plan", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load allocation plan")
		return
	}

	writeJSON(w, http.StatusOK, plan)
}

// GetAllocation returns one allocation plan by ID.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)
	planID := chi.URLParam(r, "id")

	if planID == "" {
		writeError(w, http.StatusBadRequest, "plan id is required")
		return
	}

	plan, err := h.repo.GetAllocationPlan(ctx, sessionID, planID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "allocation plan not found")
			return
		}
		slog.Error("failed to get allocation plan", "plan_id", planID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load allocation plan")
		return
	}

	writeJSON(w, http.StatusOK, plan)
}

// ListStages returns the session's stage metadata records.
func (h *Handler) ListStages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	stages, err := h.repo.ListStageRecords(ctx, sessionID)
	if err != nil {
		slog.Error("failed to list stage records", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stage records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stages": stages,
		"count":  len(stages),
	})
}

// ============================================================================
// QUALITY RULES
// ============================================================================

// ListRules returns the session's stored quality rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	rules, err := h.repo.ListQualityRules(ctx, sessionID)
	if err != nil {
		slog.Error("failed to list quality rules", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load quality rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   rules,
		"count":   len(rules),
		"builtin": len(quality.BuiltinRules(sessionID)),
	})
}

// CreateRuleRequest is the request body for creating a quality rule.
type CreateRuleRequest struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Expression  string                 `json:"expression"`
	Severity    domain.QualitySeverity `json:"severity"`
	Enabled     bool                   `json:"enabled"`
}

// CreateRule validates and stores a quality rule for the session.
// TPR runs pick up stored rules automatically; POST /rules/reload
// applies them to the engine immediately.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	if req.Severity == "" {
		req.Severity = domain.SeverityWarning
	}
	if req.Severity != domain.SeverityWarning && req.Severity != domain.SeverityExclude {
		writeError(w, http.StatusBadRequest, "severity must be warning or exclude")
		return
	}

	now := time.Now().UTC()
	rule := &domain.QualityRule{
		ID:          req.ID,
		SessionID:   sessionID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.quality.Validate(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if err := h.repo.SaveQualityRule(ctx, sessionID, rule); err != nil {
		slog.Error("failed to save quality rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("quality rule created", "session_id", sessionID, "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule removes a stored quality rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	if err := h.repo.DeleteQualityRule(ctx, sessionID, ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("failed to delete quality rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	slog.Info("quality rule deleted", "session_id", sessionID, "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Rule deleted. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads the session's stored rules (plus builtins) into
// the quality engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := GetSessionID(ctx)

	stored, err := h.repo.ListQualityRules(ctx, sessionID)
	if err != nil {
		slog.Error("failed to list quality rules", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	rules := append(quality.BuiltinRules(sessionID), stored...)
	if err := h.quality.Reload(sessionID, rules); err != nil {
		slog.Error("failed to reload quality rules", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("quality rules reloaded", "session_id", sessionID, "count", len(rules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(rules),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
