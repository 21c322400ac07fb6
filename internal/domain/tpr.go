package domain

// TPRScope selects which age strata a TPR computation covers.
type TPRScope string

const (
	ScopeAll      TPRScope = "all"
	ScopeUnder5   TPRScope = "under5"
	ScopeOver5    TPRScope = "over5"
	ScopePregnant TPRScope = "pregnant"
)

// Groups returns the age strata covered by the scope.
func (s TPRScope) Groups() []AgeGroup {
	switch s {
	case ScopeUnder5:
		return []AgeGroup{AgeUnder5}
	case ScopeOver5:
		return []AgeGroup{AgeOver5}
	case ScopePregnant:
		return []AgeGroup{AgePregnant}
	default:
		return AgeGroups()
	}
}

// Valid reports whether the scope is one of the known values.
func (s TPRScope) Valid() bool {
	switch s {
	case ScopeAll, ScopeUnder5, ScopeOver5, ScopePregnant:
		return true
	}
	return false
}

// TPRMethod records which calculation policy produced a TPR figure.
type TPRMethod string

const (
	// TPRMethodStandard: per-method sums across strata, final TPR is the
	// max of the two method-level rates. Used for scope=all.
	TPRMethodStandard TPRMethod = "standard-max"

	// TPRMethodFacilityMax: per-facility max across methods, summed.
	// Used for single age-group scopes.
	TPRMethodFacilityMax TPRMethod = "facility-max"

	// TPRMethodUrbanAttendance: positives over outpatient attendance,
	// used for urban wards with very high standard TPR.
	TPRMethodUrbanAttendance TPRMethod = "urban-attendance"
)

// TPRParams are the caller-supplied parameters for a TPR run. The
// orchestration layer passes these explicitly; nothing is inferred from
// conversation or session state.
type TPRParams struct {
	Scope TPRScope `json:"scope"`

	// Level restricts the computation to facilities of one tier.
	// Empty means all levels.
	Level FacilityLevel `json:"level,omitempty"`

	// UrbanRule enables the attendance-denominator fallback for urban
	// wards above UrbanThreshold.
	UrbanRule bool `json:"urbanRule,omitempty"`

	// UrbanThreshold is the standard-TPR percentage above which the urban
	// rule triggers. Zero means the configured default (50).
	UrbanThreshold float64 `json:"urbanThreshold,omitempty"`
}

// WardTPRResult is the immutable per-ward output of the TPR calculator.
// A nil TPR means the value is undefined (zero denominator), never zero.
type WardTPRResult struct {
	SessionID string    `json:"sessionId"`
	WardKey   string    `json:"wardKey"`
	Scope     TPRScope  `json:"scope"`
	Method    TPRMethod `json:"method"`

	Tested   int64    `json:"tested"`
	Positive int64    `json:"positive"`
	TPR      *float64 `json:"tpr,omitempty"` // percentage
	CILow    *float64 `json:"ciLow,omitempty"`
	CIHigh   *float64 `json:"ciHigh,omitempty"`

	// Per-method rates at all-ages scope, kept for auditability.
	RDTTPR   *float64 `json:"rdtTpr,omitempty"`
	MicroTPR *float64 `json:"microTpr,omitempty"`

	FacilityCount      int     `json:"facilityCount"`
	ExcludedFacilities int     `json:"excludedFacilities"`
	CompletenessPct    float64 `json:"completenessPct"`

	Flags []QualityFlag `json:"flags,omitempty"`
}

// AdminLevel names a roll-up tier for TPR aggregation.
type AdminLevel string

const (
	LevelLGA   AdminLevel = "lga"
	LevelState AdminLevel = "state"
)

// LevelTPRResult is a test-count-weighted roll-up of ward TPRs to LGA or
// state level.
type LevelTPRResult struct {
	SessionID string     `json:"sessionId"`
	Level     AdminLevel `json:"level"`
	State     string     `json:"state"`
	LGA       string     `json:"lga,omitempty"` // empty at state level
	Scope     TPRScope   `json:"scope"`
	Tested    int64      `json:"tested"`
	Positive  int64      `json:"positive"`
	TPR       *float64   `json:"tpr,omitempty"`
	WardCount int        `json:"wardCount"`
}
