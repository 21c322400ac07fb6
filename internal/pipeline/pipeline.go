// Package pipeline orchestrates the four analysis stages: ward
// resolution, TPR calculation, risk scoring, and net allocation. Each
// stage persists its output before the next stage runs, so any stage can
// be re-run (or a report generated) without recomputation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-health/wardwatch/internal/allocation"
	"github.com/opensource-health/wardwatch/internal/domain"
	"github.com/opensource-health/wardwatch/internal/quality"
	"github.com/opensource-health/wardwatch/internal/resolver"
	"github.com/opensource-health/wardwatch/internal/risk"
	"github.com/opensource-health/wardwatch/internal/tpr"
)

var tracer = otel.Tracer("wardwatch-pipeline")

// Source table names used in ward resolution mappings.
const (
	TableFacilities = "facilities"
	TablePopulation = "population"
	TableCovariates = "covariates"
)

// TPRVariable is the risk-scoring variable name carrying ward TPR.
const TPRVariable = "tpr"

// wardMapTTL bounds how long a cached resolution is trusted before
// falling back to the repository copy.
const wardMapTTL = time.Hour

// Runner wires the stage engines to the repository, cache, and event
// bus. All methods take an explicit sessionID; stage parameters are
// caller-supplied and recorded with the stage output.
type Runner struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	quality *quality.Engine

	calculator *tpr.Calculator
	risk       *risk.Engine
	planner    *allocation.Planner

	cfg domain.PipelineConfig
}

// NewRunner creates a pipeline runner. The cache and bus may be nil in
// tests; persistence through repo is mandatory.
func NewRunner(repo domain.Repository, cache domain.Cache, bus domain.EventBus, qe *quality.Engine, cfg domain.PipelineConfig) *Runner {
	if cfg.CentroidReviewKm <= 0 {
		cfg.CentroidReviewKm = 15
	}
	if cfg.FuzzyMaxDistance <= 0 {
		cfg.FuzzyMaxDistance = 2
	}
	if cfg.UrbanTPRThreshold <= 0 {
		cfg.UrbanTPRThreshold = 50
	}

	return &Runner{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		quality:    qe,
		calculator: tpr.NewCalculator(tpr.Config{UrbanThreshold: cfg.UrbanTPRThreshold}),
		risk:       risk.NewEngine(),
		planner:    allocation.NewPlanner(),
		cfg:        cfg,
	}
}

// ResolveWards builds the canonical ward mapping for the session from
// every uploaded source table, persists it, and primes the ward-map
// cache for the downstream joins.
func (r *Runner) ResolveWards(ctx context.Context, sessionID string) (*domain.ResolutionResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.resolve",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	start := time.Now()

	boundaries, err := r.repo.ListBoundaryWards(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load boundary wards: %w", err)
	}
	rows, err := r.sourceRows(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	res := resolver.New(boundaries, resolver.Config{
		CentroidReviewKm: r.cfg.CentroidReviewKm,
		FuzzyMaxDistance: r.cfg.FuzzyMaxDistance,
	}).Resolve(sessionID, rows)

	if err := r.repo.SaveResolution(ctx, sessionID, res); err != nil {
		return nil, fmt.Errorf("save resolution: %w", err)
	}
	r.cacheWardMap(ctx, sessionID, res)

	r.recordStage(ctx, sessionID, &domain.StageRecord{
		Stage:       domain.StageResolve,
		Method:      "two-phase",
		CoveragePct: res.CoveragePct,
		RowCount:    len(res.Mappings),
		DurationMs:  time.Since(start).Milliseconds(),
	}, nil)

	r.publish(ctx, sessionID, domain.TopicWardsResolved, map[string]any{
		"sessionId":   sessionID,
		"wards":       len(res.Wards),
		"mappings":    len(res.Mappings),
		"coveragePct": res.CoveragePct,
		"reviewCount": res.ReviewCount,
	})

	return res, nil
}

// ComputeTPR runs the TPR calculator for one scope over the session's
// facility records, joined against the canonical ward mapping.
func (r *Runner) ComputeTPR(ctx context.Context, sessionID string, params domain.TPRParams) ([]*domain.WardTPRResult, error) {
	if !params.Scope.Valid() {
		return nil, fmt.Errorf("invalid TPR scope %q", params.Scope)
	}

	ctx, span := tracer.Start(ctx, "pipeline.tpr",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("tpr.scope", string(params.Scope)),
		),
	)
	defer span.End()

	start := time.Now()

	res, err := r.wardMap(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	recs, err := r.repo.ListFacilityRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load facility records: %w", err)
	}

	byWard, unmatched := groupByWard(res.Index(), recs)
	if unmatched > 0 {
		slog.Warn("facility records without a resolved ward",
			"session_id", sessionID,
			"count", unmatched,
		)
	}

	flags, err := r.evaluateQuality(ctx, sessionID, recs)
	if err != nil {
		return nil, err
	}

	results := r.calculator.Compute(sessionID, byWard, params, flags)

	if err := r.repo.SaveTPRResults(ctx, sessionID, params.Scope, results); err != nil {
		return nil, fmt.Errorf("save TPR results: %w", err)
	}

	r.recordStage(ctx, sessionID, &domain.StageRecord{
		Stage:           domain.StageTPR,
		Method:          string(params.Scope),
		CoveragePct:     res.CoveragePct,
		CompletenessPct: meanCompleteness(results),
		RowCount:        len(results),
		DurationMs:      time.Since(start).Milliseconds(),
	}, params)

	r.publish(ctx, sessionID, domain.TopicTPRComputed, map[string]any{
		"sessionId": sessionID,
		"scope":     params.Scope,
		"wards":     len(results),
	})

	return results, nil
}

// AggregateTPR rolls the session's ward TPRs for one scope up to LGA or
// state level, weighted by test counts.
func (r *Runner) AggregateTPR(ctx context.Context, sessionID string, scope domain.TPRScope, level domain.AdminLevel) ([]*domain.LevelTPRResult, error) {
	results, err := r.repo.ListTPRResults(ctx, sessionID, scope)
	if err != nil {
		return nil, fmt.Errorf("load TPR results: %w", err)
	}
	res, err := r.wardMap(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return tpr.Aggregate(sessionID, results, res.WardIndex(), level), nil
}

// ScoreRisk runs the ensemble/PCA risk scoring over the session's
// covariates merged with the TPR variable, and persists the rankings.
func (r *Runner) ScoreRisk(ctx context.Context, sessionID string, params domain.RiskParams) (*domain.RiskResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.risk",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	start := time.Now()
	params = params.WithDefaults()

	res, err := r.wardMap(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wards, err := r.wardVariables(ctx, sessionID, res, params.TPRScope)
	if err != nil {
		return nil, err
	}

	result, err := r.risk.Score(sessionID, wards, params)
	if err != nil {
		return result, err
	}

	if err := r.repo.SaveRiskRankings(ctx, sessionID, result.Rankings); err != nil {
		return nil, fmt.Errorf("save risk rankings: %w", err)
	}

	r.recordStage(ctx, sessionID, &domain.StageRecord{
		Stage:       domain.StageRisk,
		Method:      fmt.Sprintf("ensemble-%d", len(result.Models)),
		CoveragePct: result.AgreementPct,
		RowCount:    len(result.Rankings),
		DurationMs:  time.Since(start).Milliseconds(),
	}, params)

	r.publish(ctx, sessionID, domain.TopicRiskRanked, map[string]any{
		"sessionId":    sessionID,
		"wards":        result.WardCount,
		"dropped":      result.DroppedWards,
		"agreementPct": result.AgreementPct,
	})

	return result, nil
}

// PlanAllocation allocates the session's net stock across the ranked
// wards and persists the plan.
func (r *Runner) PlanAllocation(ctx context.Context, sessionID string, params domain.AllocationParams) (*domain.AllocationPlan, error) {
	ctx, span := tracer.Start(ctx, "pipeline.allocate",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	start := time.Now()

	rankings, err := r.repo.ListRiskRankings(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load risk rankings: %w", err)
	}
	res, err := r.wardMap(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	population, err := r.wardPopulation(ctx, sessionID, res)
	if err != nil {
		return nil, err
	}

	plan, err := r.planner.Plan(sessionID, rankings, population, params)
	if err != nil {
		return nil, err
	}

	if err := r.repo.SaveAllocationPlan(ctx, sessionID, plan); err != nil {
		return nil, fmt.Errorf("save allocation plan: %w", err)
	}

	r.recordStage(ctx, sessionID, &domain.StageRecord{
		Stage:       domain.StageAllocate,
		Method:      "rank-order",
		CoveragePct: plan.OverallCoveragePct,
		RowCount:    len(plan.Wards),
		DurationMs:  time.Since(start).Milliseconds(),
	}, params)

	r.publish(ctx, sessionID, domain.TopicAllocationPlanned, map[string]any{
		"sessionId":          sessionID,
		"planId":             plan.ID,
		"allocatedTotal":     plan.AllocatedTotal,
		"overallCoveragePct": plan.OverallCoveragePct,
	})

	return plan, nil
}

// RunResult summarizes a full pipeline run.
type RunResult struct {
	SessionID  string                   `json:"sessionId"`
	Resolution *domain.ResolutionResult `json:"resolution"`
	TPR        []*domain.WardTPRResult  `json:"tpr"`
	Risk       *domain.RiskResult       `json:"risk"`
	Plan       *domain.AllocationPlan   `json:"plan,omitempty"`
}

// Run executes resolve, TPR, risk, and (unless skipped) allocation in
// order. A stage failure stops the run; earlier stage outputs stay
// persisted so the failed stage can be re-run alone.
func (r *Runner) Run(ctx context.Context, sessionID string, params domain.RunParams) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	out := &RunResult{SessionID: sessionID}

	res, err := r.ResolveWards(ctx, sessionID)
	if err != nil {
		return out, r.fail(ctx, sessionID, domain.StageResolve, err)
	}
	out.Resolution = res

	if params.TPR.Scope == "" {
		params.TPR.Scope = domain.ScopeAll
	}
	tprResults, err := r.ComputeTPR(ctx, sessionID, params.TPR)
	if err != nil {
		return out, r.fail(ctx, sessionID, domain.StageTPR, err)
	}
	out.TPR = tprResults

	if params.Risk.TPRScope == "" {
		params.Risk.TPRScope = params.TPR.Scope
	}
	riskResult, err := r.ScoreRisk(ctx, sessionID, params.Risk)
	if err != nil {
		return out, r.fail(ctx, sessionID, domain.StageRisk, err)
	}
	out.Risk = riskResult

	if !params.SkipAllocation {
		plan, err := r.PlanAllocation(ctx, sessionID, params.Allocation)
		if err != nil {
			return out, r.fail(ctx, sessionID, domain.StageAllocate, err)
		}
		out.Plan = plan
	}

	slog.Info("pipeline run complete",
		"session_id", sessionID,
		"wards", len(res.Wards),
		"tpr_wards", len(out.TPR),
		"ranked", riskRankedCount(out.Risk),
		"allocated", out.Plan != nil,
	)

	return out, nil
}

// sourceRows flattens every uploaded table into resolver input.
func (r *Runner) sourceRows(ctx context.Context, sessionID string) ([]domain.SourceRow, error) {
	recs, err := r.repo.ListFacilityRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load facility records: %w", err)
	}
	pop, err := r.repo.ListPopulationRows(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load population rows: %w", err)
	}
	cov, err := r.repo.ListCovariateRows(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load covariate rows: %w", err)
	}

	rows := make([]domain.SourceRow, 0, len(recs)+len(pop)+len(cov))
	for _, rec := range recs {
		rows = append(rows, domain.SourceRow{
			Table:     TableFacilities,
			State:     rec.State,
			LGA:       rec.LGA,
			Name:      rec.Ward,
			Code:      rec.WardCode,
			Latitude:  rec.Latitude,
			Longitude: rec.Longitude,
		})
	}
	for _, p := range pop {
		rows = append(rows, domain.SourceRow{
			Table: TablePopulation,
			State: p.State,
			LGA:   p.LGA,
			Name:  p.Ward,
			Code:  p.WardCode,
		})
	}
	for _, c := range cov {
		rows = append(rows, domain.SourceRow{
			Table: TableCovariates,
			State: c.State,
			LGA:   c.LGA,
			Name:  c.Ward,
			Code:  c.WardCode,
		})
	}
	return rows, nil
}

// wardMap returns the session's canonical ward mapping, preferring the
// cache over the repository copy.
func (r *Runner) wardMap(ctx context.Context, sessionID string) (*domain.ResolutionResult, error) {
	if r.cache != nil {
		if res, err := r.cache.GetWardMap(ctx, sessionID); err == nil && res != nil {
			return res, nil
		}
	}

	res, err := r.repo.GetResolution(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load ward resolution (run resolve first): %w", err)
	}
	r.cacheWardMap(ctx, sessionID, res)
	return res, nil
}

func (r *Runner) cacheWardMap(ctx context.Context, sessionID string, res *domain.ResolutionResult) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetWardMap(ctx, sessionID, res, wardMapTTL); err != nil {
		slog.Warn("failed to cache ward map",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// evaluateQuality loads the session's quality rules (stored plus
// builtin) into the engine and evaluates every facility record.
func (r *Runner) evaluateQuality(ctx context.Context, sessionID string, recs []*domain.FacilityTestRecord) (map[string][]domain.QualityFlag, error) {
	if r.quality == nil {
		return nil, nil
	}

	stored, err := r.repo.ListQualityRules(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load quality rules: %w", err)
	}
	rules := append(quality.BuiltinRules(sessionID), stored...)
	if err := r.quality.Reload(sessionID, rules); err != nil {
		return nil, fmt.Errorf("load quality rules into engine: %w", err)
	}

	return r.quality.EvaluateBatch(ctx, sessionID, recs), nil
}

// wardVariables merges covariates and the TPR variable into per-ward
// scoring input, joined on the canonical ward key.
func (r *Runner) wardVariables(ctx context.Context, sessionID string, res *domain.ResolutionResult, scope domain.TPRScope) ([]*domain.WardVariables, error) {
	cov, err := r.repo.ListCovariateRows(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load covariate rows: %w", err)
	}

	idx := res.Index()
	byKey := make(map[string]*domain.WardVariables)
	for _, c := range cov {
		key, ok := domain.Lookup(idx, TableCovariates, c.State, c.LGA, c.Ward)
		if !ok {
			continue
		}
		wv, ok := byKey[key]
		if !ok {
			wv = &domain.WardVariables{WardKey: key, Values: make(map[string]*float64)}
			byKey[key] = wv
		}
		for name, val := range c.Values {
			if _, seen := wv.Values[name]; !seen || wv.Values[name] == nil {
				wv.Values[name] = val
			}
		}
	}

	tprResults, err := r.repo.ListTPRResults(ctx, sessionID, scope)
	if err != nil {
		return nil, fmt.Errorf("load TPR results: %w", err)
	}
	for _, t := range tprResults {
		wv, ok := byKey[t.WardKey]
		if !ok {
			wv = &domain.WardVariables{WardKey: t.WardKey, Values: make(map[string]*float64)}
			byKey[t.WardKey] = wv
		}
		wv.Values[TPRVariable] = t.TPR
	}

	wards := make([]*domain.WardVariables, 0, len(byKey))
	for _, wv := range byKey {
		wards = append(wards, wv)
	}
	return wards, nil
}

// wardPopulation sums uploaded population rows per canonical ward key.
func (r *Runner) wardPopulation(ctx context.Context, sessionID string, res *domain.ResolutionResult) (map[string]int64, error) {
	rows, err := r.repo.ListPopulationRows(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load population rows: %w", err)
	}

	idx := res.Index()
	population := make(map[string]int64, len(rows))
	for _, p := range rows {
		key, ok := domain.Lookup(idx, TablePopulation, p.State, p.LGA, p.Ward)
		if !ok {
			continue
		}
		population[key] += p.Population
	}
	return population, nil
}

// recordStage persists stage metadata; failures are logged, never fatal.
func (r *Runner) recordStage(ctx context.Context, sessionID string, rec *domain.StageRecord, params any) {
	rec.ID = uuid.New().String()
	rec.SessionID = sessionID
	rec.Timestamp = time.Now().UTC()
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			rec.Params = string(data)
		}
	}

	if err := r.repo.SaveStageRecord(ctx, sessionID, rec); err != nil {
		slog.Error("failed to save stage record",
			"session_id", sessionID,
			"stage", rec.Stage,
			"error", err,
		)
	}
}

// publish sends a stage event; failures are logged, never fatal.
func (r *Runner) publish(ctx context.Context, sessionID string, topic string, payload any) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, sessionID, topic, data); err != nil {
		slog.Error("failed to publish stage event",
			"session_id", sessionID,
			"topic", topic,
			"error", err,
		)
	}
}

// fail publishes the failure event and wraps the stage error.
func (r *Runner) fail(ctx context.Context, sessionID string, stage domain.Stage, err error) error {
	r.publish(ctx, sessionID, domain.TopicPipelineFailed, map[string]any{
		"sessionId": sessionID,
		"stage":     stage,
		"error":     err.Error(),
	})
	return fmt.Errorf("%s stage: %w", stage, err)
}

// groupByWard joins facility records to canonical ward keys, returning
// the grouped records and the count of unmatched rows.
func groupByWard(idx map[string]string, recs []*domain.FacilityTestRecord) (map[string][]*domain.FacilityTestRecord, int) {
	byWard := make(map[string][]*domain.FacilityTestRecord)
	unmatched := 0
	for _, rec := range recs {
		key, ok := domain.Lookup(idx, TableFacilities, rec.State, rec.LGA, rec.Ward)
		if !ok {
			unmatched++
			continue
		}
		byWard[key] = append(byWard[key], rec)
	}
	return byWard, unmatched
}

func meanCompleteness(results []*domain.WardTPRResult) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range results {
		sum += r.CompletenessPct
	}
	return sum / float64(len(results))
}

func riskRankedCount(r *domain.RiskResult) int {
	if r == nil {
		return 0
	}
	return len(r.Rankings)
}
