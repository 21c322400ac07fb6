// Package tpr computes test positivity rates from facility test records.
//
// All computation happens on integer count sums; ratios are taken once at
// the end. Averaging per-facility ratios instead of dividing summed counts
// is the classic mistake this package exists to avoid.
package tpr

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-health/wardwatch/internal/domain"
)

// builtinExceedsRule flags facility cells where positives exceed tested.
const builtinExceedsRule = "builtin/positive-exceeds-tested"

// Config carries the calculator defaults that are not per-request.
type Config struct {
	// UrbanThreshold is the standard-TPR percentage above which the urban
	// attendance rule may trigger. Zero means 50.
	UrbanThreshold float64
}

// Calculator computes ward-level TPR figures. It is stateless and safe
// for concurrent use.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a Calculator with the given defaults.
func NewCalculator(cfg Config) *Calculator {
	if cfg.UrbanThreshold <= 0 {
		cfg.UrbanThreshold = 50
	}
	return &Calculator{cfg: cfg}
}

// Compute produces one result per ward from records grouped by resolved
// ward key. flags carries externally evaluated quality findings keyed by
// facility record ID; exclude-severity flags remove that facility's
// contribution. Output is sorted by ward key.
func (c *Calculator) Compute(sessionID string, byWard map[string][]*domain.FacilityTestRecord, params domain.TPRParams, flags map[string][]domain.QualityFlag) []*domain.WardTPRResult {
	keys := make([]string, 0, len(byWard))
	for k := range byWard {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]*domain.WardTPRResult, 0, len(keys))
	defined := 0
	for _, k := range keys {
		res := c.computeWard(sessionID, k, byWard[k], params, flags)
		if res.TPR != nil {
			defined++
		}
		results = append(results, res)
	}

	slog.Info("tpr computed",
		"session_id", sessionID,
		"scope", params.Scope,
		"wards", len(results),
		"defined", defined,
	)
	return results
}

func (c *Calculator) computeWard(sessionID, wardKey string, recs []*domain.FacilityTestRecord, params domain.TPRParams, flags map[string][]domain.QualityFlag) *domain.WardTPRResult {
	groups := params.Scope.Groups()

	res := &domain.WardTPRResult{
		SessionID: sessionID,
		WardKey:   wardKey,
		Scope:     params.Scope,
	}

	var rdtTested, rdtPositive, micTested, micPositive int64
	var sumTested, sumPositive int64
	var attendance int64
	attReported := false
	urbanCount := 0
	included := 0
	reporting := 0

	for _, rec := range recs {
		if params.Level != "" && rec.Level != params.Level {
			continue
		}
		res.FacilityCount++

		fflags := scopedFlags(flags[rec.ID], groups)
		fflags = append(fflags, checkCounts(rec, groups)...)
		res.Flags = append(res.Flags, fflags...)
		if hasExclude(fflags) {
			res.ExcludedFacilities++
			continue
		}
		included++

		if rec.Urban {
			urbanCount++
		}
		if rec.Attendance != nil {
			attendance += *rec.Attendance
			attReported = true
		}
		if rec.HasScopeData(groups) {
			reporting++
		}

		if params.Scope == domain.ScopeAll {
			for _, g := range groups {
				rdt := rec.Count(g, domain.MethodRDT)
				mic := rec.Count(g, domain.MethodMicroscopy)
				addCount(&rdtTested, &rdtPositive, rdt)
				addCount(&micTested, &micPositive, mic)
			}
		} else {
			g := groups[0]
			rdt := rec.Count(g, domain.MethodRDT)
			mic := rec.Count(g, domain.MethodMicroscopy)
			if t := maxReported(rdt.Tested, mic.Tested); t != nil {
				sumTested += *t
			}
			if p := maxReported(rdt.Positive, mic.Positive); p != nil {
				sumPositive += *p
			}
		}
	}

	if res.FacilityCount > 0 {
		res.CompletenessPct = float64(reporting) / float64(res.FacilityCount) * 100
	}

	if params.Scope == domain.ScopeAll {
		res.Method = domain.TPRMethodStandard
		res.RDTTPR = pct(rdtPositive, rdtTested)
		res.MicroTPR = pct(micPositive, micTested)
		// Final figure is the larger of the two method-level rates.
		switch {
		case res.RDTTPR != nil && (res.MicroTPR == nil || *res.RDTTPR >= *res.MicroTPR):
			res.Tested, res.Positive, res.TPR = rdtTested, rdtPositive, res.RDTTPR
		case res.MicroTPR != nil:
			res.Tested, res.Positive, res.TPR = micTested, micPositive, res.MicroTPR
		}
	} else {
		res.Method = domain.TPRMethodFacilityMax
		res.Tested, res.Positive = sumTested, sumPositive
		res.TPR = pct(sumPositive, sumTested)
	}

	if params.UrbanRule && res.TPR != nil {
		threshold := params.UrbanThreshold
		if threshold <= 0 {
			threshold = c.cfg.UrbanThreshold
		}
		// Attendance denominator applies only where the ward is majority
		// urban, the standard figure is implausibly high, and outpatient
		// attendance was actually reported.
		if *res.TPR > threshold && urbanCount*2 > included && attReported && attendance > 0 {
			res.Method = domain.TPRMethodUrbanAttendance
			res.Tested = attendance
			res.TPR = pct(res.Positive, attendance)
		}
	}

	if res.TPR != nil && res.Tested > 0 {
		low, high := wilson(res.Positive, res.Tested, defaultZ)
		res.CILow = &low
		res.CIHigh = &high
	}
	return res
}

// Aggregate rolls ward results up to LGA or state level. Each ward is
// weighted by its test count, so the roll-up equals dividing the summed
// counts. Wards without a resolved identity or a defined TPR are skipped.
func Aggregate(sessionID string, results []*domain.WardTPRResult, wards map[string]domain.WardIdentity, level domain.AdminLevel) []*domain.LevelTPRResult {
	type bucket struct {
		state, lga string
		tested     int64
		weighted   float64
		positive   int64
		wardCount  int
	}
	byKey := map[string]*bucket{}

	for _, r := range results {
		if r.TPR == nil || r.Tested <= 0 {
			continue
		}
		id, ok := wards[r.WardKey]
		if !ok {
			continue
		}
		key := id.State
		lga := ""
		if level == domain.LevelLGA {
			lga = id.LGA
			key = id.State + "\x1f" + id.LGA
		}
		b := byKey[key]
		if b == nil {
			b = &bucket{state: id.State, lga: lga}
			byKey[key] = b
		}
		b.tested += r.Tested
		b.positive += r.Positive
		b.weighted += *r.TPR * float64(r.Tested)
		b.wardCount++
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*domain.LevelTPRResult, 0, len(keys))
	for _, k := range keys {
		b := byKey[k]
		tpr := b.weighted / float64(b.tested)
		out = append(out, &domain.LevelTPRResult{
			SessionID: sessionID,
			Level:     level,
			State:     b.state,
			LGA:       b.lga,
			Scope:     results[0].Scope,
			Tested:    b.tested,
			Positive:  b.positive,
			TPR:       &tpr,
			WardCount: b.wardCount,
		})
	}
	return out
}

// checkCounts applies the built-in count sanity rule: a positive count
// that exceeds its tested count, or a positive with no tested at all,
// invalidates the facility's contribution for this scope.
func checkCounts(rec *domain.FacilityTestRecord, groups []domain.AgeGroup) []domain.QualityFlag {
	var out []domain.QualityFlag
	for _, g := range groups {
		for _, m := range domain.TestMethods() {
			c := rec.Count(g, m)
			if c.Positive == nil {
				continue
			}
			if c.Tested == nil || *c.Positive > *c.Tested {
				out = append(out, domain.QualityFlag{
					RuleID:     builtinExceedsRule,
					FacilityID: rec.ID,
					Facility:   rec.Facility,
					AgeGroup:   g,
					Method:     m,
					Severity:   domain.SeverityExclude,
					Reason:     fmt.Sprintf("positive count exceeds tested (%s/%s)", g, m),
				})
			}
		}
	}
	return out
}

// scopedFlags keeps only flags relevant to the groups being computed.
// A flag with no age group applies to every scope.
func scopedFlags(flags []domain.QualityFlag, groups []domain.AgeGroup) []domain.QualityFlag {
	var out []domain.QualityFlag
	for _, f := range flags {
		if f.AgeGroup == "" {
			out = append(out, f)
			continue
		}
		for _, g := range groups {
			if f.AgeGroup == g {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func hasExclude(flags []domain.QualityFlag) bool {
	for _, f := range flags {
		if f.Severity == domain.SeverityExclude {
			return true
		}
	}
	return false
}

func addCount(tested, positive *int64, c domain.TestCount) {
	if c.Tested != nil {
		*tested += *c.Tested
	}
	if c.Positive != nil {
		*positive += *c.Positive
	}
}

func maxReported(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil || *a >= *b {
		return a
	}
	return b
}

// pct returns positive/tested as a percentage, or nil when the
// denominator is zero. Undefined is never conflated with zero.
func pct(positive, tested int64) *float64 {
	if tested <= 0 {
		return nil
	}
	v := float64(positive) / float64(tested) * 100
	return &v
}
