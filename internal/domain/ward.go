package domain

// WardIdentity is the canonical key for a real-world ward. Two wards with
// the same name in different LGAs are distinct identities.
type WardIdentity struct {
	Key   string `json:"key"`
	State string `json:"state"`
	LGA   string `json:"lga"`
	Name  string `json:"name"` // canonical (normalized) name
	Code  string `json:"code,omitempty"`
}

// SourceRow is one row of any source table carrying a ward reference.
// Coordinates are present for facility-backed rows only.
type SourceRow struct {
	Table     string   `json:"table"`
	State     string   `json:"state"`
	LGA       string   `json:"lga"`
	Name      string   `json:"name"`
	Code      string   `json:"code,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// BoundaryWard is a ward from the boundary dataset with its polygon
// centroid. The boundary set is the reference list the resolver matches
// against when names collide.
type BoundaryWard struct {
	SessionID   string  `json:"sessionId"`
	State       string  `json:"state"`
	LGA         string  `json:"lga"`
	Name        string  `json:"name"`
	Code        string  `json:"code,omitempty"`
	CentroidLat float64 `json:"centroidLat"`
	CentroidLon float64 `json:"centroidLon"`
}

// PopulationRow is one row of the population source table.
type PopulationRow struct {
	SessionID  string `json:"sessionId"`
	State      string `json:"state"`
	LGA        string `json:"lga"`
	Ward       string `json:"ward"` // raw name as uploaded
	WardCode   string `json:"wardCode,omitempty"`
	Population int64  `json:"population"`
}

// CovariateRow carries environmental/demographic indicator values for one
// ward row. Keys are upstream column labels treated as opaque; nil values
// are genuinely missing and stay missing.
type CovariateRow struct {
	SessionID string              `json:"sessionId"`
	State     string              `json:"state"`
	LGA       string              `json:"lga"`
	Ward      string              `json:"ward"`
	WardCode  string              `json:"wardCode,omitempty"`
	Values    map[string]*float64 `json:"values"`
}

// ResolutionStatus describes how (or whether) a source row was resolved.
type ResolutionStatus string

const (
	// ResolutionExact: normalized (state, LGA, name) matched directly.
	ResolutionExact ResolutionStatus = "exact"

	// ResolutionCode: ward code matched uniquely within (state, LGA).
	ResolutionCode ResolutionStatus = "code"

	// ResolutionGeo: duplicate name disambiguated by nearest boundary
	// centroid to the mean of contributing facility coordinates.
	ResolutionGeo ResolutionStatus = "geo"

	// ResolutionFuzzy: accepted via edit-distance near-miss to an
	// already-resolved canonical name.
	ResolutionFuzzy ResolutionStatus = "fuzzy"

	// ResolutionAmbiguous: multiple equally plausible candidates; flagged
	// for manual resolution instead of guessing.
	ResolutionAmbiguous ResolutionStatus = "ambiguous"

	// ResolutionUnresolved: no candidate found.
	ResolutionUnresolved ResolutionStatus = "unresolved"
)

// Resolved reports whether the status carries a usable canonical key.
func (s ResolutionStatus) Resolved() bool {
	switch s {
	case ResolutionExact, ResolutionCode, ResolutionGeo, ResolutionFuzzy:
		return true
	}
	return false
}

// WardResolution maps one source-table row variant to a canonical key.
// Every input row gets exactly one WardResolution; nothing is dropped
// silently.
type WardResolution struct {
	SessionID   string           `json:"sessionId"`
	SourceTable string           `json:"sourceTable"`
	RawState    string           `json:"rawState"`
	RawLGA      string           `json:"rawLga"`
	RawName     string           `json:"rawName"`
	Key         string           `json:"key,omitempty"` // empty when not resolved
	Status      ResolutionStatus `json:"status"`
	DistanceKm  *float64         `json:"distanceKm,omitempty"` // geo matches only
	NeedsReview bool             `json:"needsReview,omitempty"`
	Candidates  []string         `json:"candidates,omitempty"` // ambiguous matches
	Note        string           `json:"note,omitempty"`
}

// ResolutionResult is the output of the ward identity resolver: the
// canonical ward table plus the full variant -> key mapping and coverage.
type ResolutionResult struct {
	SessionID   string           `json:"sessionId"`
	Wards       []WardIdentity   `json:"wards"`
	Mappings    []WardResolution `json:"mappings"`
	CoveragePct float64          `json:"coveragePct"`
	ReviewCount int              `json:"reviewCount"`
}

// mapKey builds the composite lookup key for a raw row.
func mapKey(table, state, lga, name string) string {
	return table + "\x1f" + state + "\x1f" + lga + "\x1f" + name
}

// Index builds a lookup from raw (table, state, lga, name) to canonical
// key, covering resolved mappings only.
func (r *ResolutionResult) Index() map[string]string {
	idx := make(map[string]string, len(r.Mappings))
	for _, m := range r.Mappings {
		if m.Status.Resolved() {
			idx[mapKey(m.SourceTable, m.RawState, m.RawLGA, m.RawName)] = m.Key
		}
	}
	return idx
}

// Lookup resolves one raw row reference against a prebuilt Index map.
func Lookup(idx map[string]string, table, state, lga, name string) (string, bool) {
	key, ok := idx[mapKey(table, state, lga, name)]
	return key, ok
}

// WardIndex builds a lookup from canonical key to identity.
func (r *ResolutionResult) WardIndex() map[string]WardIdentity {
	idx := make(map[string]WardIdentity, len(r.Wards))
	for _, w := range r.Wards {
		idx[w.Key] = w
	}
	return idx
}
