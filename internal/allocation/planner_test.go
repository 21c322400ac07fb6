package allocation

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/opensource-health/wardwatch/internal/domain"
)

func rankings(n int) []*domain.WardRiskRanking {
	out := make([]*domain.WardRiskRanking, n)
	for i := 0; i < n; i++ {
		out[i] = &domain.WardRiskRanking{
			SessionID: "session-001",
			WardKey:   fmt.Sprintf("WD%04d", i),
			Rank:      i + 1,
		}
	}
	return out
}

func TestPlanExhaustsStockByRank(t *testing.T) {
	// 90,000 nets against far greater demand: highest-risk wards are
	// served first, lower ranks get nothing, and the shortfall is a
	// coverage figure, not an error.
	p := NewPlanner()

	ranked := rankings(10)
	population := map[string]int64{}
	for _, r := range ranked {
		population[r.WardKey] = 100_000 // 25,000 households each at size 4
	}

	plan, err := p.Plan("session-001", ranked, population, domain.AllocationParams{
		NetStock:      90_000,
		HouseholdSize: 4,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if plan.AllocatedTotal != 90_000 {
		t.Errorf("expected full stock allocated, got %d", plan.AllocatedTotal)
	}

	// Ranks 1-3 fully served, rank 4 partially, the rest nothing.
	for _, w := range plan.Wards {
		switch {
		case w.Rank <= 3:
			if w.Status != domain.CoverageFull || w.AllocatedNets != 25_000 {
				t.Errorf("rank %d: expected full 25000, got %s %d", w.Rank, w.Status, w.AllocatedNets)
			}
		case w.Rank == 4:
			if w.Status != domain.CoveragePartial || w.AllocatedNets != 15_000 {
				t.Errorf("rank 4: expected partial 15000, got %s %d", w.Status, w.AllocatedNets)
			}
			if math.Abs(w.CoverageFraction-0.6) > 1e-9 {
				t.Errorf("rank 4: expected coverage 0.6, got %v", w.CoverageFraction)
			}
		default:
			if w.Status != domain.CoverageNone || w.AllocatedNets != 0 {
				t.Errorf("rank %d: expected none, got %s %d", w.Rank, w.Status, w.AllocatedNets)
			}
		}
	}

	want := 90_000.0 / 250_000.0 * 100
	if math.Abs(plan.OverallCoveragePct-want) > 1e-9 {
		t.Errorf("expected overall coverage %.1f%%, got %.1f%%", want, plan.OverallCoveragePct)
	}
}

func TestPlanNeverExceedsStock(t *testing.T) {
	p := NewPlanner()

	ranked := rankings(50)
	population := map[string]int64{}
	for i, r := range ranked {
		population[r.WardKey] = int64(1000 + i*337)
	}

	plan, err := p.Plan("session-001", ranked, population, domain.AllocationParams{
		NetStock:      10_000,
		HouseholdSize: 4.3,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var sum int64
	for _, w := range plan.Wards {
		sum += w.AllocatedNets
		if w.AllocatedNets > w.RequiredNets {
			t.Errorf("ward %s allocated %d above requirement %d", w.WardKey, w.AllocatedNets, w.RequiredNets)
		}
	}
	if sum != plan.AllocatedTotal {
		t.Errorf("ward sum %d disagrees with total %d", sum, plan.AllocatedTotal)
	}
	if sum > plan.TotalStock {
		t.Errorf("allocated %d exceeds stock %d", sum, plan.TotalStock)
	}
}

func TestPlanHouseholdRounding(t *testing.T) {
	p := NewPlanner()

	plan, err := p.Plan("session-001", rankings(1), map[string]int64{"WD0000": 10}, domain.AllocationParams{
		NetStock:      100,
		HouseholdSize: 4,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	// 10 people at household size 4 is 3 households, rounded up.
	if w := plan.Wards[0]; w.Households != 3 || w.RequiredNets != 3 {
		t.Errorf("expected 3 households, got %d (required %d)", w.Households, w.RequiredNets)
	}
}

func TestPlanUnresolvedWardsReported(t *testing.T) {
	p := NewPlanner()

	ranked := rankings(3)
	population := map[string]int64{
		"WD0000": 4000,
		"WD0002": 4000,
		// WD0001 has no population match.
	}

	plan, err := p.Plan("session-001", ranked, population, domain.AllocationParams{
		NetStock:      10_000,
		HouseholdSize: 4,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if len(plan.Wards) != 2 {
		t.Errorf("expected 2 allocated wards, got %d", len(plan.Wards))
	}
	if len(plan.UnresolvedWards) != 1 || plan.UnresolvedWards[0] != "WD0001" {
		t.Errorf("unmatched ward must be reported, got %v", plan.UnresolvedWards)
	}
}

func TestPlanInvalidParams(t *testing.T) {
	p := NewPlanner()

	cases := []domain.AllocationParams{
		{NetStock: 0, HouseholdSize: 4},
		{NetStock: -10, HouseholdSize: 4},
		{NetStock: 100, HouseholdSize: 0},
	}
	for _, params := range cases {
		if _, err := p.Plan("session-001", rankings(1), map[string]int64{"WD0000": 100}, params); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("params %+v: expected ErrInvalidParams, got %v", params, err)
		}
	}
}

func TestPlanDeterministicOrder(t *testing.T) {
	p := NewPlanner()

	// Same rank twice: ward key decides who is served first.
	ranked := []*domain.WardRiskRanking{
		{SessionID: "session-001", WardKey: "WDB", Rank: 1},
		{SessionID: "session-001", WardKey: "WDA", Rank: 1},
	}
	population := map[string]int64{"WDA": 4000, "WDB": 4000}

	plan, err := p.Plan("session-001", ranked, population, domain.AllocationParams{
		NetStock:      1000,
		HouseholdSize: 4,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Wards[0].WardKey != "WDA" {
		t.Errorf("ties must break on ward key, got %s first", plan.Wards[0].WardKey)
	}
	if plan.Wards[0].AllocatedNets != 1000 || plan.Wards[1].AllocatedNets != 0 {
		t.Errorf("expected 1000/0 split, got %d/%d", plan.Wards[0].AllocatedNets, plan.Wards[1].AllocatedNets)
	}
}
