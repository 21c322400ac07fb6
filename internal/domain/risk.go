package domain

// RiskParams configure one risk-scoring run. The ensemble shape constants
// are tuning knobs, not fixed law; defaults reproduce the documented
// configuration.
type RiskParams struct {
	// Variables selects which indicator variables to score on. Empty
	// means every variable available for the session. Normalization is
	// always computed over the full available set regardless.
	Variables []string `json:"variables,omitempty"`

	// TPRScope selects which TPR result feeds the tpr variable.
	TPRScope TPRScope `json:"tprScope,omitempty"`

	// ModelCount caps the composite ensemble size.
	ModelCount int `json:"modelCount,omitempty"`

	// MaxVariablesPerModel is the k in k-of-N variable combinations.
	MaxVariablesPerModel int `json:"maxVariablesPerModel,omitempty"`

	// VarianceThreshold is the cumulative explained-variance cut for
	// retained principal components.
	VarianceThreshold float64 `json:"varianceThreshold,omitempty"`

	// MinWards is the minimum ranked population below which the engine
	// reports insufficient data instead of a degenerate ranking.
	MinWards int `json:"minWards,omitempty"`
}

// DefaultRiskParams returns the documented tuning configuration.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		TPRScope:             ScopeAll,
		ModelCount:           16,
		MaxVariablesPerModel: 5,
		VarianceThreshold:    0.94,
		MinWards:             10,
	}
}

// WithDefaults fills zero fields from DefaultRiskParams.
func (p RiskParams) WithDefaults() RiskParams {
	d := DefaultRiskParams()
	if p.TPRScope == "" {
		p.TPRScope = d.TPRScope
	}
	if p.ModelCount <= 0 {
		p.ModelCount = d.ModelCount
	}
	if p.MaxVariablesPerModel <= 0 {
		p.MaxVariablesPerModel = d.MaxVariablesPerModel
	}
	if p.VarianceThreshold <= 0 || p.VarianceThreshold > 1 {
		p.VarianceThreshold = d.VarianceThreshold
	}
	if p.MinWards <= 0 {
		p.MinWards = d.MinWards
	}
	return p
}

// WardVariables holds the indicator values for one ward. Nil values are
// missing; wards missing any scoring variable are filtered before ranking.
type WardVariables struct {
	WardKey string              `json:"wardKey"`
	Values  map[string]*float64 `json:"values"`
}

// CompositeModel is one member of the scoring ensemble: a fixed variable
// subset and the per-ward unweighted mean of those normalized variables.
// Individual models are disposable; the ensemble is the unit of output.
type CompositeModel struct {
	ID        string             `json:"id"`
	Variables []string           `json:"variables"`
	Scores    map[string]float64 `json:"scores"` // ward key -> score
}

// RiskBucket is the categorical risk tier.
type RiskBucket string

const (
	RiskHigh   RiskBucket = "High"
	RiskMedium RiskBucket = "Medium"
	RiskLow    RiskBucket = "Low"
)

// WardRiskRanking is the per-ward ranked output. Rank 1 is highest risk.
// The composite (ensemble median) ranking is authoritative; the PCA rank
// is carried as an independent validity check.
type WardRiskRanking struct {
	SessionID      string     `json:"sessionId"`
	WardKey        string     `json:"wardKey"`
	CompositeScore float64    `json:"compositeScore"`
	PCAScore       float64    `json:"pcaScore"`
	Rank           int        `json:"rank"`
	PCARank        int        `json:"pcaRank"`
	RankDelta      int        `json:"rankDelta"` // Rank - PCARank
	Bucket         RiskBucket `json:"bucket"`
	PCABucket      RiskBucket `json:"pcaBucket"`
}

// RiskResult is the full output of one scoring run.
type RiskResult struct {
	SessionID string             `json:"sessionId"`
	Rankings  []*WardRiskRanking `json:"rankings"`
	Models    []CompositeModel   `json:"models"`
	Variables []string           `json:"variables"`

	// PCA diagnostics.
	ComponentsRetained int     `json:"componentsRetained"`
	ExplainedVariance  float64 `json:"explainedVariance"`

	// AgreementPct is the percentage of wards whose bucket matches
	// between the composite and PCA methods.
	AgreementPct float64 `json:"agreementPct"`

	WardCount    int `json:"wardCount"`
	DroppedWards int `json:"droppedWards"` // filtered for missing variables
}
