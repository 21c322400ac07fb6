package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-health/wardwatch/internal/domain"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func TestSQLiteRepository(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "wardwatch-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	sessionID := "session-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndListFacilityRecords", func(t *testing.T) {
		recs := []*domain.FacilityTestRecord{
			{
				ID:       "fac-001",
				State:    "Kano",
				LGA:      "Gwale",
				Ward:     "Gwale",
				Facility: "Gwale PHC",
				Level:    domain.LevelPrimary,
				Urban:    true,
				Period:   "2024-06",
				Latitude: f64(11.98),
				Tests: map[domain.AgeGroup]map[domain.TestMethod]domain.TestCount{
					domain.AgeUnder5: {
						domain.MethodRDT: {Tested: i64(100), Positive: i64(40)},
					},
				},
				Attendance: i64(350),
			},
			{
				ID:       "fac-002",
				State:    "Kano",
				LGA:      "Gwale",
				Ward:     "Gwale",
				Facility: "Gwale General",
				Level:    domain.LevelSecondary,
				Period:   "2024-06",
			},
		}

		if err := repo.SaveFacilityRecords(ctx, sessionID, recs); err != nil {
			t.Fatalf("SaveFacilityRecords failed: %v", err)
		}

		listed, err := repo.ListFacilityRecords(ctx, sessionID)
		if err != nil {
			t.Fatalf("ListFacilityRecords failed: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("expected 2 records, got %d", len(listed))
		}

		first := listed[0]
		if first.ID != "fac-001" {
			t.Errorf("expected fac-001 first, got %s", first.ID)
		}
		if !first.Urban {
			t.Error("urban flag lost in round trip")
		}
		c := first.Count(domain.AgeUnder5, domain.MethodRDT)
		if c.Tested == nil || *c.Tested != 100 {
			t.Errorf("tests map lost in round trip: %+v", first.Tests)
		}
		if first.Attendance == nil || *first.Attendance != 350 {
			t.Errorf("attendance lost in round trip: %v", first.Attendance)
		}

		// Second record reported nothing; nil must stay nil.
		if listed[1].Attendance != nil {
			t.Error("missing attendance must stay nil, not become zero")
		}
	})

	t.Run("SessionIsolation", func(t *testing.T) {
		listed, err := repo.ListFacilityRecords(ctx, "session-002")
		if err != nil {
			t.Fatalf("ListFacilityRecords failed: %v", err)
		}
		if len(listed) != 0 {
			t.Errorf("expected no records for other session, got %d", len(listed))
		}
	})

	t.Run("RequiresSessionID", func(t *testing.T) {
		if err := repo.SaveFacilityRecords(ctx, "", nil); err == nil {
			t.Error("expected error for empty sessionID")
		}
		if _, err := repo.ListFacilityRecords(ctx, ""); err == nil {
			t.Error("expected error for empty sessionID")
		}
	})

	t.Run("BoundaryWardsReplaceOnSave", func(t *testing.T) {
		first := []*domain.BoundaryWard{
			{State: "Kano", LGA: "Gwale", Name: "Gwale", Code: "KN1501", CentroidLat: 11.98, CentroidLon: 8.50},
			{State: "Kano", LGA: "Tarauni", Name: "Dawaki", Code: "KN3201", CentroidLat: 11.97, CentroidLon: 8.55},
		}
		if err := repo.SaveBoundaryWards(ctx, sessionID, first); err != nil {
			t.Fatalf("SaveBoundaryWards failed: %v", err)
		}

		second := []*domain.BoundaryWard{
			{State: "Kano", LGA: "Gwale", Name: "Gwale", Code: "KN1501", CentroidLat: 11.99, CentroidLon: 8.51},
		}
		if err := repo.SaveBoundaryWards(ctx, sessionID, second); err != nil {
			t.Fatalf("SaveBoundaryWards failed: %v", err)
		}

		listed, err := repo.ListBoundaryWards(ctx, sessionID)
		if err != nil {
			t.Fatalf("ListBoundaryWards failed: %v", err)
		}
		if len(listed) != 1 {
			t.Errorf("save must replace the previous set, got %d rows", len(listed))
		}
	})

	t.Run("PopulationAndCovariates", func(t *testing.T) {
		pop := []*domain.PopulationRow{
			{State: "Kano", LGA: "Gwale", Ward: "Gwale", Population: 45000},
		}
		if err := repo.SavePopulationRows(ctx, sessionID, pop); err != nil {
			t.Fatalf("SavePopulationRows failed: %v", err)
		}
		listedPop, err := repo.ListPopulationRows(ctx, sessionID)
		if err != nil || len(listedPop) != 1 || listedPop[0].Population != 45000 {
			t.Fatalf("population round trip failed: %v, %+v", err, listedPop)
		}

		cov := []*domain.CovariateRow{
			{State: "Kano", LGA: "Gwale", Ward: "Gwale", Values: map[string]*float64{
				"rainfall": f64(132.5),
				"ndvi":     nil,
			}},
		}
		if err := repo.SaveCovariateRows(ctx, sessionID, cov); err != nil {
			t.Fatalf("SaveCovariateRows failed: %v", err)
		}
		listedCov, err := repo.ListCovariateRows(ctx, sessionID)
		if err != nil || len(listedCov) != 1 {
			t.Fatalf("covariate round trip failed: %v", err)
		}
		if v := listedCov[0].Values["rainfall"]; v == nil || *v != 132.5 {
			t.Errorf("covariate value lost: %v", listedCov[0].Values)
		}
		if v, ok := listedCov[0].Values["ndvi"]; !ok || v != nil {
			t.Error("missing covariate must round-trip as present-but-nil")
		}
	})

	t.Run("ResolutionReplacesPreviousRun", func(t *testing.T) {
		res := &domain.ResolutionResult{
			SessionID: sessionID,
			Wards: []domain.WardIdentity{
				{Key: "KN1501", State: "Kano", LGA: "Gwale", Name: "gwale", Code: "KN1501"},
			},
			Mappings: []domain.WardResolution{
				{SessionID: sessionID, SourceTable: "facilities", RawState: "Kano", RawLGA: "Gwale", RawName: "Gwale", Key: "KN1501", Status: domain.ResolutionExact},
			},
			CoveragePct: 100,
		}
		if err := repo.SaveResolution(ctx, sessionID, res); err != nil {
			t.Fatalf("SaveResolution failed: %v", err)
		}

		res.CoveragePct = 90
		res.ReviewCount = 1
		if err := repo.SaveResolution(ctx, sessionID, res); err != nil {
			t.Fatalf("SaveResolution (second run) failed: %v", err)
		}

		got, err := repo.GetResolution(ctx, sessionID)
		if err != nil {
			t.Fatalf("GetResolution failed: %v", err)
		}
		if got.CoveragePct != 90 || got.ReviewCount != 1 {
			t.Errorf("second run must replace the first, got %+v", got)
		}
		if len(got.Wards) != 1 || got.Wards[0].Key != "KN1501" {
			t.Errorf("ward table lost in round trip: %+v", got.Wards)
		}

		if _, err := repo.GetResolution(ctx, "session-002"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for other session, got %v", err)
		}
	})

	t.Run("TPRResultsPerScope", func(t *testing.T) {
		tpr := 60.0
		all := []*domain.WardTPRResult{
			{SessionID: sessionID, WardKey: "KN1501", Scope: domain.ScopeAll, Method: domain.TPRMethodStandard, Tested: 50, Positive: 30, TPR: &tpr, FacilityCount: 2, CompletenessPct: 100},
			{SessionID: sessionID, WardKey: "KN3201", Scope: domain.ScopeAll, Method: domain.TPRMethodStandard, FacilityCount: 1},
		}
		if err := repo.SaveTPRResults(ctx, sessionID, domain.ScopeAll, all); err != nil {
			t.Fatalf("SaveTPRResults failed: %v", err)
		}

		under5 := 25.0
		if err := repo.SaveTPRResults(ctx, sessionID, domain.ScopeUnder5, []*domain.WardTPRResult{
			{SessionID: sessionID, WardKey: "KN1501", Scope: domain.ScopeUnder5, Method: domain.TPRMethodFacilityMax, Tested: 40, Positive: 10, TPR: &under5, FacilityCount: 2},
		}); err != nil {
			t.Fatalf("SaveTPRResults failed: %v", err)
		}

		listed, err := repo.ListTPRResults(ctx, sessionID, domain.ScopeAll)
		if err != nil {
			t.Fatalf("ListTPRResults failed: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("expected 2 all-scope results, got %d", len(listed))
		}
		if listed[0].TPR == nil || *listed[0].TPR != 60 {
			t.Errorf("TPR lost in round trip: %v", listed[0].TPR)
		}
		if listed[1].TPR != nil {
			t.Error("undefined TPR must stay nil, not become zero")
		}

		scoped, err := repo.ListTPRResults(ctx, sessionID, domain.ScopeUnder5)
		if err != nil || len(scoped) != 1 {
			t.Fatalf("scopes must not mix: %v, %d results", err, len(scoped))
		}
	})

	t.Run("RiskRankingsOrderedByRank", func(t *testing.T) {
		rankings := []*domain.WardRiskRanking{
			{SessionID: sessionID, WardKey: "KN3201", CompositeScore: 0.4, Rank: 2, PCARank: 1, RankDelta: 1, Bucket: domain.RiskMedium, PCABucket: domain.RiskHigh},
			{SessionID: sessionID, WardKey: "KN1501", CompositeScore: 0.8, Rank: 1, PCARank: 2, RankDelta: -1, Bucket: domain.RiskHigh, PCABucket: domain.RiskMedium},
		}
		if err := repo.SaveRiskRankings(ctx, sessionID, rankings); err != nil {
			t.Fatalf("SaveRiskRankings failed: %v", err)
		}

		listed, err := repo.ListRiskRankings(ctx, sessionID)
		if err != nil {
			t.Fatalf("ListRiskRankings failed: %v", err)
		}
		if len(listed) != 2 || listed[0].Rank != 1 || listed[0].WardKey != "KN1501" {
			t.Errorf("expected rank order, got %+v", listed)
		}
	})

	t.Run("AllocationPlans", func(t *testing.T) {
		old := &domain.AllocationPlan{
			ID: "plan-001", SessionID: sessionID, TotalStock: 1000, HouseholdSize: 4,
			AllocatedTotal: 1000, RequiredTotal: 2000, OverallCoveragePct: 50,
			Wards: []domain.WardAllocation{
				{SessionID: sessionID, WardKey: "KN1501", Rank: 1, Population: 8000, Households: 2000, RequiredNets: 2000, AllocatedNets: 1000, CoverageFraction: 0.5, Status: domain.CoveragePartial},
			},
			CreatedAt: time.Now().UTC().Add(-time.Hour),
		}
		latest := &domain.AllocationPlan{
			ID: "plan-002", SessionID: sessionID, TotalStock: 90000, HouseholdSize: 4,
			UnresolvedWards: []string{"KN9999"},
			CreatedAt:       time.Now().UTC(),
		}

		if err := repo.SaveAllocationPlan(ctx, sessionID, old); err != nil {
			t.Fatalf("SaveAllocationPlan failed: %v", err)
		}
		if err := repo.SaveAllocationPlan(ctx, sessionID, latest); err != nil {
			t.Fatalf("SaveAllocationPlan failed: %v", err)
		}

		got, err := repo.GetAllocationPlan(ctx, sessionID, "plan-001")
		if err != nil {
			t.Fatalf("GetAllocationPlan failed: %v", err)
		}
		if len(got.Wards) != 1 || got.Wards[0].Status != domain.CoveragePartial {
			t.Errorf("ward allocations lost in round trip: %+v", got.Wards)
		}

		newest, err := repo.LatestAllocationPlan(ctx, sessionID)
		if err != nil {
			t.Fatalf("LatestAllocationPlan failed: %v", err)
		}
		if newest.ID != "plan-002" {
			t.Errorf("expected plan-002 as latest, got %s", newest.ID)
		}
		if len(newest.UnresolvedWards) != 1 {
			t.Errorf("unresolved wards lost: %+v", newest.UnresolvedWards)
		}
	})

	t.Run("QualityRules", func(t *testing.T) {
		rule := &domain.QualityRule{
			ID: "rule-001", SessionID: sessionID, Name: "exceeds", Version: "1",
			Expression: "positive > tested", Severity: domain.SeverityExclude, Enabled: true,
		}
		if err := repo.SaveQualityRule(ctx, sessionID, rule); err != nil {
			t.Fatalf("SaveQualityRule failed: %v", err)
		}

		rule.Expression = "has_tested && positive > tested"
		if err := repo.SaveQualityRule(ctx, sessionID, rule); err != nil {
			t.Fatalf("SaveQualityRule (update) failed: %v", err)
		}

		rules, err := repo.ListQualityRules(ctx, sessionID)
		if err != nil {
			t.Fatalf("ListQualityRules failed: %v", err)
		}
		if len(rules) != 1 || rules[0].Expression != "has_tested && positive > tested" {
			t.Errorf("upsert must update in place, got %+v", rules)
		}

		if err := repo.DeleteQualityRule(ctx, sessionID, "rule-001"); err != nil {
			t.Fatalf("DeleteQualityRule failed: %v", err)
		}
		rules, err = repo.ListQualityRules(ctx, sessionID)
		if err != nil || len(rules) != 0 {
			t.Errorf("deleted rule must not be listed: %v, %+v", err, rules)
		}

		if err := repo.DeleteQualityRule(ctx, sessionID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("StageRecords", func(t *testing.T) {
		recs := []*domain.StageRecord{
			{ID: "stage-001", SessionID: sessionID, Stage: domain.StageResolve, Method: "resolver", CoveragePct: 98.5, RowCount: 484, DurationMs: 120, Timestamp: time.Now().UTC().Add(-time.Minute)},
			{ID: "stage-002", SessionID: sessionID, Stage: domain.StageTPR, Method: string(domain.TPRMethodStandard), Params: `{"scope":"all"}`, CoveragePct: 98.5, CompletenessPct: 91.2, RowCount: 470, DurationMs: 80, Timestamp: time.Now().UTC()},
		}
		for _, rec := range recs {
			if err := repo.SaveStageRecord(ctx, sessionID, rec); err != nil {
				t.Fatalf("SaveStageRecord failed: %v", err)
			}
		}

		listed, err := repo.ListStageRecords(ctx, sessionID)
		if err != nil {
			t.Fatalf("ListStageRecords failed: %v", err)
		}
		if len(listed) != 2 || listed[0].Stage != domain.StageResolve {
			t.Errorf("expected chronological stage history, got %+v", listed)
		}
		if listed[1].Params != `{"scope":"all"}` {
			t.Errorf("stage params lost: %q", listed[1].Params)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetAllocationPlan(ctx, sessionID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.LatestAllocationPlan(ctx, "session-empty"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
