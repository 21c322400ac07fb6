// Package resolver reconciles ward names across heterogeneous source
// tables into a single canonical key table.
//
// Resolution is an explicit two-phase resolve-then-join: the canonical
// mapping is built once per session and persisted/cached, and every
// downstream stage joins against it. Stages never re-resolve ad hoc.
package resolver

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/opensource-health/wardwatch/internal/domain"
)

// Config holds resolver tuning constants.
type Config struct {
	// CentroidReviewKm is the geo-match distance above which a resolution
	// is flagged for manual review.
	CentroidReviewKm float64

	// FuzzyMaxDistance is the maximum accepted edit distance for a fuzzy
	// name match.
	FuzzyMaxDistance int
}

// Resolver matches source-table ward references against the boundary
// dataset and previously resolved identities.
type Resolver struct {
	cfg Config

	byExact     map[string]*domain.BoundaryWard // state|lga|name
	byCode      map[string]*domain.BoundaryWard
	byStateName map[string][]*domain.BoundaryWard // state|name, across LGAs

	// dupCodes are ward codes claimed by more than one boundary ward. A
	// collided code cannot serve as a canonical key.
	dupCodes map[string]bool
}

// variant is one distinct raw (table, state, lga, name, code) reference,
// with the facility coordinates that back it.
type variant struct {
	table, rawState, rawLGA, rawName string
	code                             string
	normState, normLGA, normName     string
	lats, lons                       []float64

	// codeShared marks a code claimed by multiple distinct wards; the
	// code path is skipped and the collision noted on the mapping.
	codeShared bool
}

// New creates a resolver over the session's boundary dataset.
func New(boundaries []*domain.BoundaryWard, cfg Config) *Resolver {
	if cfg.CentroidReviewKm <= 0 {
		cfg.CentroidReviewKm = 15
	}
	if cfg.FuzzyMaxDistance <= 0 {
		cfg.FuzzyMaxDistance = 2
	}

	r := &Resolver{
		cfg:         cfg,
		byExact:     make(map[string]*domain.BoundaryWard),
		byCode:      make(map[string]*domain.BoundaryWard),
		byStateName: make(map[string][]*domain.BoundaryWard),
		dupCodes:    make(map[string]bool),
	}

	for _, b := range boundaries {
		ns := Normalize(b.State)
		nl := Normalize(b.LGA)
		nn := Normalize(b.Name)
		r.byExact[joinKey(ns, nl, nn)] = b
		if b.Code != "" {
			if prev, ok := r.byCode[b.Code]; ok && !sameWard(prev, b) {
				r.dupCodes[b.Code] = true
				delete(r.byCode, b.Code)
			} else if !r.dupCodes[b.Code] {
				r.byCode[b.Code] = b
			}
		}
		sk := joinKey(ns, nn)
		r.byStateName[sk] = append(r.byStateName[sk], b)
	}

	for _, cands := range r.byStateName {
		sort.Slice(cands, func(i, j int) bool {
			return Normalize(cands[i].LGA) < Normalize(cands[j].LGA)
		})
	}

	return r
}

// Resolve maps every input row to a canonical key or an explicit
// unresolved/ambiguous flag. Output is deterministic for identical input:
// variants are processed in sorted order and all slices are sorted before
// return.
func (r *Resolver) Resolve(sessionID string, rows []domain.SourceRow) *domain.ResolutionResult {
	variants := groupVariants(rows)
	r.markSharedCodes(variants)

	identities := make(map[string]domain.WardIdentity)
	mappings := make([]domain.WardResolution, 0, len(variants))

	// Pass 1: code and exact matches. These register canonical identities
	// that pass 2 can fuzzy/geo match against.
	pending := make([]*variant, 0, len(variants))
	for _, v := range variants {
		if m, ok := r.resolveDirect(v, identities); ok {
			m.SessionID = sessionID
			annotateSharedCode(&m, v)
			mappings = append(mappings, m)
			continue
		}
		pending = append(pending, v)
	}

	// Pass 2: duplicate-name disambiguation, fuzzy, and failures.
	for _, v := range pending {
		m := r.resolveIndirect(v, identities)
		m.SessionID = sessionID
		annotateSharedCode(&m, v)
		mappings = append(mappings, m)
	}

	sort.Slice(mappings, func(i, j int) bool {
		a, b := &mappings[i], &mappings[j]
		if a.SourceTable != b.SourceTable {
			return a.SourceTable < b.SourceTable
		}
		if a.RawState != b.RawState {
			return a.RawState < b.RawState
		}
		if a.RawLGA != b.RawLGA {
			return a.RawLGA < b.RawLGA
		}
		return a.RawName < b.RawName
	})

	wards := make([]domain.WardIdentity, 0, len(identities))
	for _, w := range identities {
		wards = append(wards, w)
	}
	sort.Slice(wards, func(i, j int) bool { return wards[i].Key < wards[j].Key })

	resolved := 0
	review := 0
	for i := range mappings {
		if mappings[i].Status.Resolved() {
			resolved++
		}
		if mappings[i].NeedsReview {
			review++
		}
	}

	coverage := 0.0
	if len(mappings) > 0 {
		coverage = float64(resolved) / float64(len(mappings)) * 100
	}

	slog.Info("ward resolution complete",
		"session_id", sessionID,
		"variants", len(mappings),
		"wards", len(wards),
		"coverage_pct", coverage,
		"review_count", review,
	)

	return &domain.ResolutionResult{
		SessionID:   sessionID,
		Wards:       wards,
		Mappings:    mappings,
		CoveragePct: coverage,
		ReviewCount: review,
	}
}

// resolveDirect handles the code and exact paths.
func (r *Resolver) resolveDirect(v *variant, identities map[string]domain.WardIdentity) (domain.WardResolution, bool) {
	m := domain.WardResolution{
		SourceTable: v.table,
		RawState:    v.rawState,
		RawLGA:      v.rawLGA,
		RawName:     v.rawName,
	}

	// Code path: a ward code is the canonical key directly, but only
	// while it identifies exactly one ward. Collided codes fall through
	// to the name/geo paths.
	if v.code != "" && !v.codeShared {
		id := domain.WardIdentity{
			Key:   v.code,
			State: v.normState,
			LGA:   v.normLGA,
			Name:  v.normName,
			Code:  v.code,
		}
		if b, ok := r.byCode[v.code]; ok {
			id.State = Normalize(b.State)
			id.LGA = Normalize(b.LGA)
			id.Name = Normalize(b.Name)
		}
		register(identities, id)
		m.Key = id.Key
		m.Status = domain.ResolutionCode
		return m, true
	}

	// Exact path: normalized (state, LGA, name) matches the boundary set.
	if v.normLGA != "" {
		if b, ok := r.byExact[joinKey(v.normState, v.normLGA, v.normName)]; ok {
			id := r.boundaryIdentity(b)
			register(identities, id)
			m.Key = id.Key
			m.Status = domain.ResolutionExact
			return m, true
		}
	}

	return m, false
}

// resolveIndirect handles duplicate names, fuzzy near-misses, and the
// explicit failure states.
func (r *Resolver) resolveIndirect(v *variant, identities map[string]domain.WardIdentity) domain.WardResolution {
	m := domain.WardResolution{
		SourceTable: v.table,
		RawState:    v.rawState,
		RawLGA:      v.rawLGA,
		RawName:     v.rawName,
	}

	// Known duplicate-name case: the name exists under more than one LGA
	// in this state and the row carries no LGA of its own.
	cands := r.byStateName[joinKey(v.normState, v.normName)]
	switch {
	case v.normLGA == "" && len(cands) == 1:
		id := r.boundaryIdentity(cands[0])
		register(identities, id)
		m.Key = id.Key
		m.Status = domain.ResolutionExact
		return m

	case v.normLGA == "" && len(cands) > 1:
		return r.disambiguate(v, cands, identities, m)
	}

	// Fuzzy path: near-miss against already-resolved canonical names
	// within the same (state, LGA).
	if best, dist := r.fuzzyMatch(v, identities); len(best) > 0 {
		if len(best) > 1 {
			// Multiple equally-close candidates: flag for manual
			// resolution instead of guessing.
			keys := make([]string, len(best))
			for i, id := range best {
				keys[i] = id.Key
			}
			m.Status = domain.ResolutionAmbiguous
			m.Candidates = keys
			m.Note = fmt.Sprintf("multiple canonical names at edit distance %d", dist)
			return m
		}
		id := best[0]
		register(identities, id)
		m.Key = id.Key
		m.Status = domain.ResolutionFuzzy
		m.Note = fmt.Sprintf("fuzzy match %q -> %q (distance %d)", v.rawName, id.Name, dist)
		return m
	}

	// No LGA, no candidates anywhere: a well-formed row still gets a
	// constructed identity only when state and LGA are both present.
	if v.normLGA != "" && v.normState != "" && v.normName != "" {
		id := domain.WardIdentity{
			Key:   joinKey(v.normState, v.normLGA, v.normName),
			State: v.normState,
			LGA:   v.normLGA,
			Name:  v.normName,
		}
		register(identities, id)
		m.Key = id.Key
		m.Status = domain.ResolutionExact
		m.Note = "no boundary match; constructed from source row"
		return m
	}

	m.Status = domain.ResolutionUnresolved
	return m
}

// disambiguate picks between same-named wards in different LGAs using the
// mean of contributing facility coordinates against boundary centroids.
func (r *Resolver) disambiguate(v *variant, cands []*domain.BoundaryWard, identities map[string]domain.WardIdentity, m domain.WardResolution) domain.WardResolution {
	lat, lon, ok := meanPoint(v.lats, v.lons)
	if !ok {
		// No coordinates and no code: do not guess.
		m.Status = domain.ResolutionAmbiguous
		m.Candidates = candidateKeys(cands)
		m.Note = "duplicate ward name with no code or coordinates"
		return m
	}

	best := -1
	bestDist := 0.0
	for i, b := range cands {
		d := haversineKm(lat, lon, b.CentroidLat, b.CentroidLon)
		if best < 0 || d < bestDist {
			best = i
			bestDist = d
		}
	}

	id := r.boundaryIdentity(cands[best])
	register(identities, id)

	m.Key = id.Key
	m.Status = domain.ResolutionGeo
	m.DistanceKm = &bestDist
	if bestDist > r.cfg.CentroidReviewKm {
		m.NeedsReview = true
		m.Note = fmt.Sprintf("centroid distance %.1f km exceeds review threshold %.1f km", bestDist, r.cfg.CentroidReviewKm)
	}
	return m
}

// fuzzyMatch returns every canonical identity within the variant's
// (state, LGA) at the minimum edit distance, provided that minimum is
// within FuzzyMaxDistance. More than one result means the match is
// ambiguous.
func (r *Resolver) fuzzyMatch(v *variant, identities map[string]domain.WardIdentity) ([]domain.WardIdentity, int) {
	// Candidate pool: registered identities plus boundary wards in the
	// same (state, LGA), deduplicated by key.
	pool := make(map[string]domain.WardIdentity)
	for k, id := range identities {
		if id.State == v.normState && id.LGA == v.normLGA {
			pool[k] = id
		}
	}
	for _, b := range r.byExact {
		id := r.boundaryIdentity(b)
		if id.State == v.normState && id.LGA == v.normLGA {
			pool[id.Key] = id
		}
	}

	bestDist := r.cfg.FuzzyMaxDistance + 1
	var best []domain.WardIdentity

	for _, k := range sortedIdentityKeys(pool) {
		id := pool[k]
		d := editDistance(v.normName, id.Name)
		if d < bestDist {
			bestDist = d
			best = []domain.WardIdentity{id}
		} else if d == bestDist {
			best = append(best, id)
		}
	}

	if bestDist > r.cfg.FuzzyMaxDistance {
		return nil, 0
	}
	return best, bestDist
}

func groupVariants(rows []domain.SourceRow) []*variant {
	byKey := make(map[string]*variant)
	for i := range rows {
		row := &rows[i]
		k := row.Table + "\x1f" + row.State + "\x1f" + row.LGA + "\x1f" + row.Name
		v, ok := byKey[k]
		if !ok {
			v = &variant{
				table:     row.Table,
				rawState:  row.State,
				rawLGA:    row.LGA,
				rawName:   row.Name,
				code:      row.Code,
				normState: Normalize(row.State),
				normLGA:   Normalize(row.LGA),
				normName:  Normalize(row.Name),
			}
			byKey[k] = v
		}
		if v.code == "" && row.Code != "" {
			v.code = row.Code
		}
		if row.Latitude != nil && row.Longitude != nil {
			v.lats = append(v.lats, *row.Latitude)
			v.lons = append(v.lons, *row.Longitude)
		}
	}

	out := make([]*variant, 0, len(byKey))
	for _, k := range sortedVariantKeys(byKey) {
		out = append(out, byKey[k])
	}
	return out
}

// candidateKeys returns the sorted name-based keys of the candidate
// boundary wards.
func candidateKeys(cands []*domain.BoundaryWard) []string {
	keys := make([]string, 0, len(cands))
	for _, b := range cands {
		keys = append(keys, joinKey(Normalize(b.State), Normalize(b.LGA), Normalize(b.Name)))
	}
	sort.Strings(keys)
	return keys
}

func sortedVariantKeys(m map[string]*variant) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIdentityKeys(m map[string]domain.WardIdentity) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// boundaryIdentity builds the canonical identity for a boundary ward.
// The code is the key only while it identifies this ward alone; a
// collided code degrades to the name-based key so distinct wards never
// merge.
func (r *Resolver) boundaryIdentity(b *domain.BoundaryWard) domain.WardIdentity {
	id := domain.WardIdentity{
		State: Normalize(b.State),
		LGA:   Normalize(b.LGA),
		Name:  Normalize(b.Name),
		Code:  b.Code,
	}
	if b.Code != "" && !r.dupCodes[b.Code] {
		id.Key = b.Code
	} else {
		id.Key = joinKey(id.State, id.LGA, id.Name)
	}
	return id
}

// sameWard reports whether two boundary rows describe the same ward
// after normalization. Duplicate uploads of one ward are not a code
// collision.
func sameWard(a, b *domain.BoundaryWard) bool {
	return Normalize(a.State) == Normalize(b.State) &&
		Normalize(a.LGA) == Normalize(b.LGA) &&
		Normalize(a.Name) == Normalize(b.Name)
}

// markSharedCodes flags every variant whose code is claimed by more than
// one ward: collisions within the boundary set, and codes the source
// rows attach to more than one (state, LGA). Same-LGA name variants keep
// their code; they are spellings of one ward, not two wards.
func (r *Resolver) markSharedCodes(variants []*variant) {
	claims := make(map[string]map[string]bool)
	for _, v := range variants {
		if v.code == "" {
			continue
		}
		scope, ok := claims[v.code]
		if !ok {
			scope = make(map[string]bool)
			claims[v.code] = scope
		}
		// A row without its own LGA is incomplete, not a competing claim.
		if v.normLGA != "" {
			scope[joinKey(v.normState, v.normLGA)] = true
		}
		if b, ok := r.byCode[v.code]; ok {
			scope[joinKey(Normalize(b.State), Normalize(b.LGA))] = true
		}
	}

	for _, v := range variants {
		if v.code == "" {
			continue
		}
		v.codeShared = r.dupCodes[v.code] || len(claims[v.code]) > 1
	}
}

// annotateSharedCode records the ignored-code audit note on a mapping
// resolved through a fallback path.
func annotateSharedCode(m *domain.WardResolution, v *variant) {
	if !v.codeShared {
		return
	}
	note := fmt.Sprintf("ward code %q claimed by multiple wards; code path skipped", v.code)
	if m.Note != "" {
		m.Note += "; " + note
	} else {
		m.Note = note
	}
}

func register(identities map[string]domain.WardIdentity, id domain.WardIdentity) {
	if existing, ok := identities[id.Key]; ok {
		// Keep the coded identity if one side has a code.
		if existing.Code != "" {
			return
		}
	}
	identities[id.Key] = id
}

func joinKey(parts ...string) string {
	return strings.Join(parts, "|")
}
