package domain

import "time"

// Stage names one pipeline stage.
type Stage string

const (
	StageResolve  Stage = "resolve"
	StageTPR      Stage = "tpr"
	StageRisk     Stage = "risk"
	StageAllocate Stage = "allocate"
)

// StageRecord is the small metadata record persisted alongside each
// stage's output table, so a later stage or report generator can run
// without recomputation.
type StageRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Stage     Stage     `json:"stage"`
	Method    string    `json:"method"`
	Params    string    `json:"params,omitempty"` // JSON-encoded stage params

	CoveragePct     float64 `json:"coveragePct"`
	CompletenessPct float64 `json:"completenessPct,omitempty"`
	RowCount        int     `json:"rowCount"`
	DurationMs      int64   `json:"durationMs"`

	Timestamp time.Time `json:"timestamp"`
}

// RunParams bundle the per-stage parameters for a full pipeline run.
type RunParams struct {
	TPR        TPRParams        `json:"tpr"`
	Risk       RiskParams       `json:"risk"`
	Allocation AllocationParams `json:"allocation"`

	// SkipAllocation runs resolve/tpr/risk only, for sessions that have
	// no net stock to plan yet.
	SkipAllocation bool `json:"skipAllocation,omitempty"`
}
