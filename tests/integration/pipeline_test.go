//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Wardwatch decision
// support pipeline.
//
// These tests verify the COMPLETE pipeline against a running server:
//
//	Datasets → Resolve → TPR → Risk → Allocation
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. DATASETS: Four uploads share ward name columns that never quite agree:
//   - facilities:  test counts per facility, age group, and method
//   - boundaries:  the reference ward list with polygon centroids
//   - population:  people per ward (drives net quantities)
//   - covariates:  environmental indicators (rainfall, EVI, ...)
//
// 2. RESOLVE: Reconciles the spelling variants across datasets into one
//    canonical ward table. Coverage below 100% means some rows could not
//    be matched and will be reported as unresolved downstream.
//
// 3. TPR: Test positivity rate per ward = positive / tested, pooled across
//    facilities, with Wilson confidence intervals.
//
// 4. RISK: Ensemble of composite scores plus a PCA cross-check ranks wards
//    from highest to lowest malaria risk.
//
// 5. ALLOCATION: Walks the risk ranking and hands out bed nets until the
//    stock runs out. Output states per-ward coverage, never silently
//    rescales.
//
// Each test run uses a fresh session ID, so no seeding or cleanup between
// runs is needed: sessions are fully isolated.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL   string
	SessionID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("WARDWATCH_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:   baseURL,
		SessionID: fmt.Sprintf("integration-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Request/Response Types (matching Wardwatch's API contract)
// ============================================================================

type TestCount struct {
	Tested   int64 `json:"tested"`
	Positive int64 `json:"positive"`
}

// FacilityRecord is one facility row sent to POST /datasets/facilities.
type FacilityRecord struct {
	State      string                          `json:"state"`
	LGA        string                          `json:"lga"`
	Ward       string                          `json:"ward"`
	WardCode   string                          `json:"wardCode,omitempty"`
	Facility   string                          `json:"facility"`
	Level      string                          `json:"level"`
	Urban      bool                            `json:"urban"`
	Period     string                          `json:"period"`
	Tests      map[string]map[string]TestCount `json:"tests"`
	Attendance int64                           `json:"attendance"`
}

type BoundaryWard struct {
	State       string  `json:"state"`
	LGA         string  `json:"lga"`
	Name        string  `json:"name"`
	Code        string  `json:"code,omitempty"`
	CentroidLat float64 `json:"centroidLat"`
	CentroidLon float64 `json:"centroidLon"`
}

type PopulationRow struct {
	State      string `json:"state"`
	LGA        string `json:"lga"`
	Ward       string `json:"ward"`
	WardCode   string `json:"wardCode,omitempty"`
	Population int64  `json:"population"`
}

type CovariateRow struct {
	State    string             `json:"state"`
	LGA      string             `json:"lga"`
	Ward     string             `json:"ward"`
	WardCode string             `json:"wardCode,omitempty"`
	Values   map[string]float64 `json:"values"`
}

// ResolutionResponse is what POST /pipeline/resolve returns.
type ResolutionResponse struct {
	SessionID   string  `json:"sessionId"`
	CoveragePct float64 `json:"coveragePct"`
	ReviewCount int     `json:"reviewCount"`
	Wards       []struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"wards"`
	Mappings []struct {
		SourceTable string `json:"sourceTable"`
		RawName     string `json:"rawName"`
		Status      string `json:"status"`
	} `json:"mappings"`
}

// TPRResponse is what POST /pipeline/tpr returns.
type TPRResponse struct {
	Scope   string `json:"scope"`
	Count   int    `json:"count"`
	Results []struct {
		WardKey         string   `json:"wardKey"`
		Tested          int64    `json:"tested"`
		Positive        int64    `json:"positive"`
		TPR             *float64 `json:"tpr"`
		CILow           *float64 `json:"ciLow"`
		CIHigh          *float64 `json:"ciHigh"`
		CompletenessPct float64  `json:"completenessPct"`
	} `json:"results"`
}

// RiskResponse is what POST /pipeline/risk returns.
type RiskResponse struct {
	WardCount    int      `json:"wardCount"`
	DroppedWards int      `json:"droppedWards"`
	AgreementPct float64  `json:"agreementPct"`
	Variables    []string `json:"variables"`
	Rankings     []struct {
		WardKey        string  `json:"wardKey"`
		Rank           int     `json:"rank"`
		CompositeScore float64 `json:"compositeScore"`
		Bucket         string  `json:"bucket"`
	} `json:"rankings"`
}

// AllocationResponse is what POST /pipeline/allocate returns.
type AllocationResponse struct {
	ID                 string  `json:"id"`
	TotalStock         int64   `json:"totalStock"`
	AllocatedTotal     int64   `json:"allocatedTotal"`
	RequiredTotal      int64   `json:"requiredTotal"`
	OverallCoveragePct float64 `json:"overallCoveragePct"`
	Wards              []struct {
		WardKey       string  `json:"wardKey"`
		Rank          int     `json:"rank"`
		RequiredNets  int64   `json:"requiredNets"`
		AllocatedNets int64   `json:"allocatedNets"`
		Coverage      float64 `json:"coverageFraction"`
		Status        string  `json:"status"`
	} `json:"wards"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func doJSON(t *testing.T, config TestConfig, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Session-ID", config.SessionID)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal %s response: %v (body: %s)", path, err, string(respBody))
		}
	}
	return resp.StatusCode
}

// uploadFixture uploads a 15-ward, 2-LGA fixture. Test counts grow with the
// ward index so the highest-numbered ward ends up ranked riskiest. Three
// spelling variants exercise the resolver's non-exact paths.
func uploadFixture(t *testing.T, config TestConfig) {
	t.Helper()

	var (
		boundaries []BoundaryWard
		records    []FacilityRecord
		popRows    []PopulationRow
		covRows    []CovariateRow
	)

	for i := 1; i <= 15; i++ {
		lga := "Gwale"
		if i > 8 {
			lga = "Dala"
		}
		name := fmt.Sprintf("Ward %02d", i)
		code := fmt.Sprintf("IT15%02d", i)

		boundaries = append(boundaries, BoundaryWard{
			State: "Kano", LGA: lga, Name: name, Code: code,
			CentroidLat: 11.9 + float64(i)*0.01,
			CentroidLon: 8.5 + float64(i)*0.01,
		})

		// Facility rows use the ward code, so trailing-space and case
		// variants still resolve via the code path.
		facilityWard := name
		if i == 3 {
			facilityWard = name + " "
		}
		if i == 7 {
			facilityWard = "WARD 07"
		}

		records = append(records, FacilityRecord{
			State: "Kano", LGA: lga, Ward: facilityWard, WardCode: code,
			Facility: fmt.Sprintf("%s PHC", name),
			Level:    "primary",
			Period:   "2024-06",
			Tests: map[string]map[string]TestCount{
				"<5": {
					"rdt": {Tested: 200, Positive: int64(10 + i*8)},
				},
			},
			Attendance: 1200,
		})

		popRows = append(popRows, PopulationRow{
			State: "Kano", LGA: lga, Ward: name, WardCode: code,
			Population: 20000,
		})

		covRows = append(covRows, CovariateRow{
			State: "Kano", LGA: lga, Ward: name, WardCode: code,
			Values: map[string]float64{
				"rainfall": 800 + float64(i)*20,
				"evi":      0.3 + float64(i)*0.02,
			},
		})
	}

	var resp map[string]any
	if code := doJSON(t, config, "POST", "/datasets/boundaries", map[string]any{"wards": boundaries}, &resp); code != http.StatusCreated {
		t.Fatalf("Boundary upload failed: status %d: %v", code, resp)
	}
	if code := doJSON(t, config, "POST", "/datasets/facilities", map[string]any{"records": records}, &resp); code != http.StatusCreated {
		t.Fatalf("Facility upload failed: status %d: %v", code, resp)
	}
	if code := doJSON(t, config, "POST", "/datasets/population", map[string]any{"rows": popRows}, &resp); code != http.StatusCreated {
		t.Fatalf("Population upload failed: status %d: %v", code, resp)
	}
	if code := doJSON(t, config, "POST", "/datasets/covariates", map[string]any{"rows": covRows}, &resp); code != http.StatusCreated {
		t.Fatalf("Covariate upload failed: status %d: %v", code, resp)
	}
}

// ============================================================================
// SCENARIO 1: Full Pipeline Run (Happy Path)
// ============================================================================

func TestFullPipeline(t *testing.T) {
	/*
	   SCENARIO: Upload the full 15-ward fixture, then run each stage in
	   order and check the chain of outputs.

	   EXPECTED BEHAVIOR:
	   - Resolve: all rows matched (exact or via ward code) → 100% coverage
	   - TPR: 15 ward results, TPR strictly positive, CI brackets the point
	   - Risk: 15 ranked wards; Ward 15 has the largest TPR and every
	     covariate, so it must rank 1
	   - Allocation: stock of 60,000 at household size 5 needs 4,000 nets
	     per ward → exactly 15 full wards, nothing left over
	*/
	config := getTestConfig()
	uploadFixture(t, config)

	var resolution ResolutionResponse
	if code := doJSON(t, config, "POST", "/pipeline/resolve", map[string]any{}, &resolution); code != http.StatusOK {
		t.Fatalf("Resolve failed: status %d", code)
	}
	if resolution.CoveragePct != 100 {
		t.Errorf("Expected 100%% resolution coverage, got %.2f%%", resolution.CoveragePct)
	}
	if len(resolution.Wards) != 15 {
		t.Errorf("Expected 15 canonical wards, got %d", len(resolution.Wards))
	}
	t.Logf("✓ Resolved: coverage=%.1f%%, wards=%d, review=%d",
		resolution.CoveragePct, len(resolution.Wards), resolution.ReviewCount)

	var tpr TPRResponse
	if code := doJSON(t, config, "POST", "/pipeline/tpr", map[string]any{"scope": "all"}, &tpr); code != http.StatusOK {
		t.Fatalf("TPR failed: status %d", code)
	}
	if tpr.Count != 15 {
		t.Errorf("Expected 15 TPR results, got %d", tpr.Count)
	}
	for _, r := range tpr.Results {
		if r.TPR == nil {
			t.Errorf("Ward %s: missing TPR", r.WardKey)
			continue
		}
		if *r.TPR <= 0 || *r.TPR > 100 {
			t.Errorf("Ward %s: TPR %.2f out of range", r.WardKey, *r.TPR)
		}
		if r.CILow == nil || r.CIHigh == nil || *r.CILow > *r.TPR || *r.CIHigh < *r.TPR {
			t.Errorf("Ward %s: CI does not bracket the estimate", r.WardKey)
		}
	}
	t.Logf("✓ TPR computed for %d wards", tpr.Count)

	var riskResp RiskResponse
	if code := doJSON(t, config, "POST", "/pipeline/risk", map[string]any{}, &riskResp); code != http.StatusOK {
		t.Fatalf("Risk failed: status %d", code)
	}
	if riskResp.WardCount != 15 {
		t.Errorf("Expected 15 ranked wards, got %d", riskResp.WardCount)
	}
	if riskResp.DroppedWards != 0 {
		t.Errorf("Expected no dropped wards, got %d", riskResp.DroppedWards)
	}
	for _, r := range riskResp.Rankings {
		if r.Rank == 1 && r.WardKey != "IT1515" {
			t.Errorf("Expected IT1515 (highest TPR and covariates) at rank 1, got %s", r.WardKey)
		}
	}
	t.Logf("✓ Risk ranked %d wards, agreement=%.1f%%", riskResp.WardCount, riskResp.AgreementPct)

	var plan AllocationResponse
	params := map[string]any{"netStock": 60000, "householdSize": 5.0}
	if code := doJSON(t, config, "POST", "/pipeline/allocate", params, &plan); code != http.StatusOK {
		t.Fatalf("Allocate failed: status %d", code)
	}
	if plan.AllocatedTotal != 60000 {
		t.Errorf("Expected all 60000 nets allocated, got %d", plan.AllocatedTotal)
	}
	if plan.RequiredTotal != 60000 {
		t.Errorf("Expected 60000 nets required (15 wards × 4000), got %d", plan.RequiredTotal)
	}
	full := 0
	for _, w := range plan.Wards {
		if w.Status == "full" {
			full++
		}
	}
	if full != 15 {
		t.Errorf("Expected 15 fully covered wards, got %d", full)
	}
	t.Logf("✓ Allocation: %d/%d nets, coverage=%.1f%%",
		plan.AllocatedTotal, plan.RequiredTotal, plan.OverallCoveragePct)
}

// ============================================================================
// SCENARIO 2: Stage Ordering (TPR Before Resolve)
// ============================================================================

func TestTPRBeforeResolve_Conflict(t *testing.T) {
	/*
	   SCENARIO: Call POST /pipeline/tpr on a fresh session that has never
	   run resolution.

	   EXPECTED: HTTP 409 Conflict. TPR joins facility rows to canonical
	   ward keys, so it cannot run before the resolver has produced them.
	*/
	config := getTestConfig()

	var resp map[string]any
	code := doJSON(t, config, "POST", "/pipeline/tpr", map[string]any{"scope": "all"}, &resp)
	if code != http.StatusConflict {
		t.Errorf("Expected 409 for TPR before resolve, got %d: %v", code, resp)
	}

	t.Logf("✓ Ordering enforced: TPR before resolve → HTTP %d", code)
}

// ============================================================================
// SCENARIO 3: Scarce Stock Allocation
// ============================================================================

func TestScarceStockAllocation(t *testing.T) {
	/*
	   SCENARIO: Run the pipeline with only enough stock for ~2.5 wards.

	   EXPECTED BEHAVIOR:
	   - Rank 1 and 2 wards get their full 4,000 nets each
	   - Rank 3 gets the 2,000 remainder (partial)
	   - Everyone below gets zero, and the plan says so explicitly
	*/
	config := getTestConfig()
	uploadFixture(t, config)

	var out map[string]any
	if code := doJSON(t, config, "POST", "/pipeline/run", map[string]any{
		"skipAllocation": true,
	}, &out); code != http.StatusOK {
		t.Fatalf("Pipeline run failed: status %d: %v", code, out)
	}

	var plan AllocationResponse
	params := map[string]any{"netStock": 10000, "householdSize": 5.0}
	if code := doJSON(t, config, "POST", "/pipeline/allocate", params, &plan); code != http.StatusOK {
		t.Fatalf("Allocate failed: status %d", code)
	}

	if plan.AllocatedTotal != 10000 {
		t.Errorf("Expected all 10000 nets allocated, got %d", plan.AllocatedTotal)
	}

	var full, partial, none int
	for _, w := range plan.Wards {
		switch w.Status {
		case "full":
			full++
		case "partial":
			partial++
			if w.AllocatedNets != 2000 {
				t.Errorf("Partial ward %s: expected 2000 nets, got %d", w.WardKey, w.AllocatedNets)
			}
		case "none":
			none++
			if w.AllocatedNets != 0 {
				t.Errorf("Uncovered ward %s: expected 0 nets, got %d", w.WardKey, w.AllocatedNets)
			}
		}
	}
	if full != 2 || partial != 1 || none != 12 {
		t.Errorf("Expected 2 full / 1 partial / 12 none, got %d/%d/%d", full, partial, none)
	}

	t.Logf("✓ Scarce stock: %d full, %d partial, %d uncovered", full, partial, none)
}

// ============================================================================
// SCENARIO 4: Session Isolation
// ============================================================================

func TestSessionIsolation(t *testing.T) {
	/*
	   SCENARIO: Run the pipeline in one session, then query results from
	   a second session that uploaded nothing.

	   EXPECTED: The second session sees no resolution (404) and no TPR
	   rows. Sessions must never leak into each other.
	*/
	config := getTestConfig()
	uploadFixture(t, config)

	var resolution ResolutionResponse
	if code := doJSON(t, config, "POST", "/pipeline/resolve", map[string]any{}, &resolution); code != http.StatusOK {
		t.Fatalf("Resolve failed: status %d", code)
	}

	other := config
	other.SessionID = config.SessionID + "-other"

	var errResp map[string]any
	if code := doJSON(t, other, "GET", "/results/resolution", nil, &errResp); code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign session resolution, got %d", code)
	}

	var tprList TPRResponse
	if code := doJSON(t, other, "GET", "/results/tpr", nil, &tprList); code != http.StatusOK {
		t.Fatalf("TPR list failed: status %d", code)
	}
	if tprList.Count != 0 {
		t.Errorf("Expected 0 TPR rows in foreign session, got %d", tprList.Count)
	}

	t.Logf("✓ Session isolation holds: foreign session sees nothing")
}

// ============================================================================
// SCENARIO 5: Quality Rule Lifecycle
// ============================================================================

func TestQualityRuleLifecycle(t *testing.T) {
	/*
	   SCENARIO: Create a CEL exclusion rule, verify it changes a TPR run,
	   then delete it.

	   The rule excludes facilities with fewer than 50 tests. One fixture
	   ward gets an extra low-volume facility, so with the rule active its
	   pooled counts must not include that facility.
	*/
	config := getTestConfig()
	uploadFixture(t, config)

	// Extra low-volume facility in Ward 01.
	extra := FacilityRecord{
		State: "Kano", LGA: "Gwale", Ward: "Ward 01", WardCode: "IT1501",
		Facility: "Ward 01 Outpost", Level: "primary", Period: "2024-06",
		Tests: map[string]map[string]TestCount{
			"<5": {"rdt": {Tested: 30, Positive: 29}},
		},
	}
	var resp map[string]any
	if code := doJSON(t, config, "POST", "/datasets/facilities", map[string]any{"records": []FacilityRecord{extra}}, &resp); code != http.StatusCreated {
		t.Fatalf("Extra facility upload failed: status %d", code)
	}

	rule := map[string]any{
		"id":         "low-volume-exclude",
		"name":       "Exclude low-volume facilities",
		"expression": "has_tested && tested < 50",
		"severity":   "exclude",
		"enabled":    true,
	}
	if code := doJSON(t, config, "POST", "/rules", rule, &resp); code != http.StatusCreated {
		t.Fatalf("Rule creation failed: status %d: %v", code, resp)
	}

	// Invalid expressions must be rejected at creation time.
	bad := map[string]any{
		"id":         "bad-rule",
		"name":       "Not a boolean",
		"expression": "tested + 1",
		"enabled":    true,
	}
	if code := doJSON(t, config, "POST", "/rules", bad, &resp); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-boolean rule expression, got %d", code)
	}

	if code := doJSON(t, config, "POST", "/pipeline/resolve", map[string]any{}, &resp); code != http.StatusOK {
		t.Fatalf("Resolve failed: status %d", code)
	}

	var tpr TPRResponse
	if code := doJSON(t, config, "POST", "/pipeline/tpr", map[string]any{"scope": "all"}, &tpr); code != http.StatusOK {
		t.Fatalf("TPR failed: status %d", code)
	}
	for _, r := range tpr.Results {
		if r.WardKey == "IT1501" && r.Tested != 200 {
			t.Errorf("Expected excluded facility left out (tested=200), got tested=%d", r.Tested)
		}
	}

	if code := doJSON(t, config, "DELETE", "/rules/low-volume-exclude", nil, &resp); code != http.StatusOK {
		t.Errorf("Rule deletion failed: status %d", code)
	}

	t.Logf("✓ Quality rule lifecycle: create, apply, delete")
}

// ============================================================================
// SCENARIO 6: Input Validation
// ============================================================================

func TestMissingSessionHeader_Error(t *testing.T) {
	/*
	   SCENARIO: Request without X-Session-ID header.

	   EXPECTED: HTTP 400. The session ID scopes every dataset and result,
	   so requests without one are rejected before any handler runs.
	*/
	config := getTestConfig()

	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/pipeline/resolve", bytes.NewReader([]byte("{}")))
	httpReq.Header.Set("Content-Type", "application/json")
	// NO X-Session-ID header!

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing session header, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing session → HTTP %d", resp.StatusCode)
}

func TestEmptyUpload_Error(t *testing.T) {
	/*
	   SCENARIO: POST /datasets/facilities with an empty records array.

	   EXPECTED: HTTP 400 Bad Request.
	*/
	config := getTestConfig()

	var resp map[string]any
	code := doJSON(t, config, "POST", "/datasets/facilities", map[string]any{"records": []FacilityRecord{}}, &resp)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty upload, got %d", code)
	}

	t.Logf("✓ Validation test passed: empty upload → HTTP %d", code)
}

func TestNegativePopulation_Error(t *testing.T) {
	/*
	   SCENARIO: POST /datasets/population with a negative count.

	   EXPECTED: HTTP 400 Bad Request.
	*/
	config := getTestConfig()

	rows := []PopulationRow{{State: "Kano", LGA: "Gwale", Ward: "Ward 01", Population: -5}}
	var resp map[string]any
	code := doJSON(t, config, "POST", "/datasets/population", map[string]any{"rows": rows}, &resp)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative population, got %d", code)
	}

	t.Logf("✓ Validation test passed: negative population → HTTP %d", code)
}
