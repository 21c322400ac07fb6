package domain

import "time"

// QualitySeverity determines what a triggered quality rule does to the
// flagged facility cell.
type QualitySeverity string

const (
	// SeverityWarning records the flag; the data still contributes.
	SeverityWarning QualitySeverity = "warning"

	// SeverityExclude removes the facility's contribution from the ward
	// sum. The ward computation continues on the remaining facilities.
	SeverityExclude QualitySeverity = "exclude"
)

// QualityRule is a CEL expression evaluated against every facility
// stratum/method cell during TPR computation. Rules are configured per
// session and hot-reloadable.
type QualityRule struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version"`
	Expression  string          `json:"expression"` // must return bool; true = flag
	Severity    QualitySeverity `json:"severity"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"createdAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
}

// QualityFlag is one data-quality finding. Flags are per-row metadata,
// never errors: the pipeline continues on the valid subset.
type QualityFlag struct {
	RuleID     string          `json:"ruleId"`
	FacilityID string          `json:"facilityId"`
	Facility   string          `json:"facility,omitempty"`
	AgeGroup   AgeGroup        `json:"ageGroup,omitempty"`
	Method     TestMethod      `json:"method,omitempty"`
	Severity   QualitySeverity `json:"severity"`
	Reason     string          `json:"reason"`
}
