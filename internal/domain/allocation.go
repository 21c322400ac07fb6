package domain

import "time"

// AllocationParams are the caller-supplied inputs for a net allocation run.
type AllocationParams struct {
	// NetStock is the total number of nets available.
	NetStock int64 `json:"netStock"`

	// HouseholdSize is the average number of persons per household.
	HouseholdSize float64 `json:"householdSize"`
}

// CoverageStatus classifies how fully a ward's need was met.
type CoverageStatus string

const (
	CoverageFull    CoverageStatus = "full"
	CoveragePartial CoverageStatus = "partial"
	CoverageNone    CoverageStatus = "none"
)

// WardAllocation is the allocation outcome for one ward.
type WardAllocation struct {
	SessionID        string         `json:"sessionId"`
	WardKey          string         `json:"wardKey"`
	Rank             int            `json:"rank"`
	Population       int64          `json:"population"`
	Households       int64          `json:"households"`
	RequiredNets     int64          `json:"requiredNets"`
	AllocatedNets    int64          `json:"allocatedNets"`
	CoverageFraction float64        `json:"coverageFraction"`
	Status           CoverageStatus `json:"status"`
}

// AllocationPlan is the output of the net allocation planner. The sum of
// ward allocations never exceeds TotalStock. A low overall coverage
// percentage is an expected outcome when demand exceeds supply, not an
// error.
type AllocationPlan struct {
	ID            string  `json:"id"`
	SessionID     string  `json:"sessionId"`
	TotalStock    int64   `json:"totalStock"`
	HouseholdSize float64 `json:"householdSize"`

	AllocatedTotal     int64   `json:"allocatedTotal"`
	RequiredTotal      int64   `json:"requiredTotal"`
	OverallCoveragePct float64 `json:"overallCoveragePct"`

	Wards []WardAllocation `json:"wards"`

	// UnresolvedWards lists ranked wards with no population match; they
	// are reported, never silently dropped.
	UnresolvedWards []string `json:"unresolvedWards,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}
