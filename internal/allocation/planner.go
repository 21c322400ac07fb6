// Package allocation plans bed net distribution across risk-ranked wards.
package allocation

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-health/wardwatch/internal/domain"
)

// ErrInvalidParams is returned for parameters the planner cannot work
// with at all (non-positive stock or household size).
var ErrInvalidParams = errors.New("invalid allocation parameters")

// Planner allocates net stock to wards in risk-rank order. Stateless and
// safe for concurrent use.
type Planner struct{}

// NewPlanner creates a Planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan walks the ranking from highest risk down, giving each ward
// min(required, remaining) nets until the stock runs out. Required nets
// per ward is one per household, households being population divided by
// household size, rounded up. Exhausting the stock early is a normal
// outcome reported through coverage figures.
func (p *Planner) Plan(sessionID string, rankings []*domain.WardRiskRanking, population map[string]int64, params domain.AllocationParams) (*domain.AllocationPlan, error) {
	if params.NetStock <= 0 || params.HouseholdSize <= 0 {
		return nil, ErrInvalidParams
	}

	// Rank order, ward key breaking ties, so the plan is reproducible.
	order := make([]*domain.WardRiskRanking, len(rankings))
	copy(order, rankings)
	sort.Slice(order, func(a, b int) bool {
		if order[a].Rank != order[b].Rank {
			return order[a].Rank < order[b].Rank
		}
		return order[a].WardKey < order[b].WardKey
	})

	plan := &domain.AllocationPlan{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		TotalStock:    params.NetStock,
		HouseholdSize: params.HouseholdSize,
		CreatedAt:     time.Now().UTC(),
	}

	remaining := params.NetStock
	for _, r := range order {
		pop, ok := population[r.WardKey]
		if !ok {
			plan.UnresolvedWards = append(plan.UnresolvedWards, r.WardKey)
			continue
		}

		households := int64(math.Ceil(float64(pop) / params.HouseholdSize))
		required := households
		allocated := required
		if allocated > remaining {
			allocated = remaining
		}
		remaining -= allocated

		w := domain.WardAllocation{
			SessionID:     sessionID,
			WardKey:       r.WardKey,
			Rank:          r.Rank,
			Population:    pop,
			Households:    households,
			RequiredNets:  required,
			AllocatedNets: allocated,
		}
		switch {
		case required == 0 || allocated == required:
			w.Status = domain.CoverageFull
			w.CoverageFraction = 1
		case allocated == 0:
			w.Status = domain.CoverageNone
		default:
			w.Status = domain.CoveragePartial
			w.CoverageFraction = float64(allocated) / float64(required)
		}

		plan.Wards = append(plan.Wards, w)
		plan.AllocatedTotal += allocated
		plan.RequiredTotal += required
	}

	if plan.RequiredTotal > 0 {
		plan.OverallCoveragePct = float64(plan.AllocatedTotal) / float64(plan.RequiredTotal) * 100
	}

	slog.Info("allocation planned",
		"session_id", sessionID,
		"plan_id", plan.ID,
		"stock", params.NetStock,
		"allocated", plan.AllocatedTotal,
		"required", plan.RequiredTotal,
		"coverage_pct", plan.OverallCoveragePct,
		"unresolved", len(plan.UnresolvedWards),
	)
	return plan, nil
}
