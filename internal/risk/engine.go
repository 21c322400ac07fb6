// Package risk ranks wards by malaria risk using an ensemble of
// composite indicator models, cross-checked by principal component
// analysis. No single model is authoritative; the ensemble median is.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-health/wardwatch/internal/domain"
)

// ErrInsufficientData is returned when too few wards have complete
// variables to produce a meaningful ranking. The partial result carries
// the counts that explain why.
var ErrInsufficientData = errors.New("insufficient data for risk scoring")

// Engine scores and ranks wards. It is stateless and safe for concurrent
// use.
type Engine struct{}

// NewEngine creates a risk scoring engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Score ranks the given wards. Completeness filtering and min-max
// normalization run over the full observed variable set; only the
// composite models and PCA are restricted to params.Variables. The
// normalization basis for a variable therefore never moves with the
// requested selection. Wards missing any observed variable are dropped
// (and counted); if fewer than params.MinWards remain, the partial
// result is returned alongside ErrInsufficientData.
func (e *Engine) Score(sessionID string, wards []*domain.WardVariables, params domain.RiskParams) (*domain.RiskResult, error) {
	params = params.WithDefaults()

	fullVars := observedVariables(wards)
	vars := scoringVariables(fullVars, params.Variables)
	kept, dropped := filterComplete(wards, fullVars)

	res := &domain.RiskResult{
		SessionID:    sessionID,
		Variables:    vars,
		WardCount:    len(kept),
		DroppedWards: dropped,
	}

	if len(vars) == 0 || len(kept) < params.MinWards {
		return res, fmt.Errorf("%w: %d wards with complete variables, need %d",
			ErrInsufficientData, len(kept), params.MinWards)
	}

	// Row order is the sorted ward key order; everything downstream
	// indexes into it. Columns cover every observed variable so the
	// min/max basis is independent of the scoring selection.
	sort.Slice(kept, func(a, b int) bool { return kept[a].WardKey < kept[b].WardKey })
	matrix := make([][]float64, len(kept))
	for i, w := range kept {
		matrix[i] = make([]float64, len(fullVars))
		for j, v := range fullVars {
			matrix[i][j] = *w.Values[v]
		}
	}

	normed := minMaxNormalize(matrix)

	k := params.MaxVariablesPerModel
	if k > len(vars) {
		k = len(vars)
	}
	models := selectModels(combinations(vars, k), params.ModelCount)

	varIdx := make(map[string]int, len(fullVars))
	for j, v := range fullVars {
		varIdx[v] = j
	}

	res.Models = make([]domain.CompositeModel, len(models))
	modelScores := make([][]float64, len(models)) // model -> ward
	for mi, combo := range models {
		scores := make(map[string]float64, len(kept))
		perWard := make([]float64, len(kept))
		for i, w := range kept {
			var sum float64
			for _, v := range combo {
				sum += normed[i][varIdx[v]]
			}
			s := sum / float64(len(combo))
			perWard[i] = s
			scores[w.WardKey] = s
		}
		res.Models[mi] = domain.CompositeModel{
			ID:        fmt.Sprintf("model-%02d", mi+1),
			Variables: combo,
			Scores:    scores,
		}
		modelScores[mi] = perWard
	}

	// PCA sees the scoring columns only, but over the same kept-ward
	// rows, so its standardization basis is selection-stable too.
	scoreMatrix := make([][]float64, len(kept))
	for i := range kept {
		scoreMatrix[i] = make([]float64, len(vars))
		for j, v := range vars {
			scoreMatrix[i][j] = matrix[i][varIdx[v]]
		}
	}

	pca := runPCA(scoreMatrix, params.VarianceThreshold)
	res.ComponentsRetained = pca.componentsRetained
	res.ExplainedVariance = pca.explainedVariance

	rankings := make([]*domain.WardRiskRanking, len(kept))
	across := make([]float64, len(models))
	for i, w := range kept {
		for mi := range models {
			across[mi] = modelScores[mi][i]
		}
		rankings[i] = &domain.WardRiskRanking{
			SessionID:      sessionID,
			WardKey:        w.WardKey,
			CompositeScore: median(across),
			PCAScore:       pca.scores[i],
		}
	}

	assignRanks(rankings,
		func(r *domain.WardRiskRanking) float64 { return r.CompositeScore },
		func(r *domain.WardRiskRanking, rank int, b domain.RiskBucket) { r.Rank = rank; r.Bucket = b })
	assignRanks(rankings,
		func(r *domain.WardRiskRanking) float64 { return r.PCAScore },
		func(r *domain.WardRiskRanking, rank int, b domain.RiskBucket) { r.PCARank = rank; r.PCABucket = b })

	agree := 0
	for _, r := range rankings {
		r.RankDelta = r.Rank - r.PCARank
		if r.Bucket == r.PCABucket {
			agree++
		}
	}
	res.AgreementPct = float64(agree) / float64(len(rankings)) * 100

	sort.Slice(rankings, func(a, b int) bool { return rankings[a].Rank < rankings[b].Rank })
	res.Rankings = rankings

	slog.Info("risk scored",
		"session_id", sessionID,
		"wards", res.WardCount,
		"dropped", res.DroppedWards,
		"models", len(res.Models),
		"components", res.ComponentsRetained,
		"agreement_pct", res.AgreementPct,
	)
	return res, nil
}

// observedVariables returns every variable name seen across the wards,
// sorted.
func observedVariables(wards []*domain.WardVariables) []string {
	seen := map[string]bool{}
	for _, w := range wards {
		for v := range w.Values {
			seen[v] = true
		}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// scoringVariables resolves the variable list the composite models and
// PCA run on: the caller's selection intersected with the observed set
// when given, otherwise every observed variable. Sorted, deduplicated.
func scoringVariables(observed, requested []string) []string {
	if len(requested) == 0 {
		return observed
	}
	have := make(map[string]bool, len(observed))
	for _, v := range observed {
		have[v] = true
	}
	seen := make(map[string]bool, len(requested))
	vars := make([]string, 0, len(requested))
	for _, v := range requested {
		if have[v] && !seen[v] {
			seen[v] = true
			vars = append(vars, v)
		}
	}
	sort.Strings(vars)
	return vars
}

// filterComplete keeps wards with a value for every given variable.
func filterComplete(wards []*domain.WardVariables, vars []string) ([]*domain.WardVariables, int) {
	kept := make([]*domain.WardVariables, 0, len(wards))
	dropped := 0
	for _, w := range wards {
		complete := true
		for _, v := range vars {
			if w.Values[v] == nil {
				complete = false
				break
			}
		}
		if complete {
			kept = append(kept, w)
		} else {
			dropped++
		}
	}
	return kept, dropped
}

// assignRanks sorts by descending score (ward key breaks ties), assigns
// dense 1-based ranks, and cuts the ranking into equal-count tertiles.
// Remainder wards go to Medium first, then High, so High never exceeds
// Medium.
func assignRanks(rankings []*domain.WardRiskRanking, score func(*domain.WardRiskRanking) float64, set func(*domain.WardRiskRanking, int, domain.RiskBucket)) {
	order := make([]*domain.WardRiskRanking, len(rankings))
	copy(order, rankings)
	sort.Slice(order, func(a, b int) bool {
		sa, sb := score(order[a]), score(order[b])
		if sa != sb {
			return sa > sb
		}
		return order[a].WardKey < order[b].WardKey
	})

	n := len(order)
	high, med := n/3, n/3
	switch n % 3 {
	case 1:
		med++
	case 2:
		med++
		high++
	}

	for i, r := range order {
		bucket := domain.RiskLow
		switch {
		case i < high:
			bucket = domain.RiskHigh
		case i < high+med:
			bucket = domain.RiskMedium
		}
		set(r, i+1, bucket)
	}
}
