// Package domain defines the core interfaces and types for Wardwatch.
package domain

// AgeGroup identifies one of the three reported age strata.
// Labels mirror upstream column headers exactly, including the non-ASCII
// "≥5" threshold marker; they are opaque keys and must never be
// transliterated (silent ASCII-folding has caused data loss upstream).
type AgeGroup string

const (
	AgeUnder5   AgeGroup = "<5"
	AgeOver5    AgeGroup = "≥5"
	AgePregnant AgeGroup = "pw"
)

// AgeGroups returns all strata in reporting order.
func AgeGroups() []AgeGroup {
	return []AgeGroup{AgeUnder5, AgeOver5, AgePregnant}
}

// TestMethod identifies a malaria test method.
type TestMethod string

const (
	MethodRDT        TestMethod = "rdt"
	MethodMicroscopy TestMethod = "micro"
)

// TestMethods returns both methods in reporting order.
func TestMethods() []TestMethod {
	return []TestMethod{MethodRDT, MethodMicroscopy}
}

// TestCount holds tested/positive counts for one stratum and method.
// A nil field means the facility did not report that value; zero means a
// reported zero. The distinction is load-bearing for completeness metrics
// and must survive every stage.
type TestCount struct {
	Tested   *int64 `json:"tested,omitempty"`
	Positive *int64 `json:"positive,omitempty"`
}

// Reported returns true if the facility reported a tested count.
func (c TestCount) Reported() bool {
	return c.Tested != nil
}

// FacilityLevel is the tier of a health facility.
type FacilityLevel string

const (
	LevelPrimary   FacilityLevel = "primary"
	LevelSecondary FacilityLevel = "secondary"
	LevelTertiary  FacilityLevel = "tertiary"
)

// FacilityTestRecord is one row of raw test data: a health facility in a
// reporting period, with tested/positive counts per age stratum and method.
type FacilityTestRecord struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	UploadID  string        `json:"uploadId,omitempty"`
	State     string        `json:"state"`
	LGA       string        `json:"lga"`
	Ward      string        `json:"ward"` // raw ward name as uploaded
	WardCode  string        `json:"wardCode,omitempty"`
	Facility  string        `json:"facility"`
	Level     FacilityLevel `json:"level"`
	Urban     bool          `json:"urban"`
	Period    string        `json:"period"`

	// Facility coordinates, when known. Used by the resolver for
	// duplicate-name disambiguation.
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// Tests maps age group -> method -> counts. Absent cells mean the
	// facility did not report that stratum/method.
	Tests map[AgeGroup]map[TestMethod]TestCount `json:"tests"`

	// Optional outpatient attendance, used by the urban TPR rule.
	Attendance *int64 `json:"attendance,omitempty"`

	// Optional count of nets distributed by this facility.
	NetsDistributed *int64 `json:"netsDistributed,omitempty"`
}

// Count returns the counts for a stratum/method cell. The zero TestCount
// (both fields nil) is returned for unreported cells.
func (r *FacilityTestRecord) Count(g AgeGroup, m TestMethod) TestCount {
	if r.Tests == nil {
		return TestCount{}
	}
	return r.Tests[g][m]
}

// HasScopeData returns true if the facility reported any tested count for
// the given age groups.
func (r *FacilityTestRecord) HasScopeData(groups []AgeGroup) bool {
	for _, g := range groups {
		for _, m := range TestMethods() {
			if r.Count(g, m).Reported() {
				return true
			}
		}
	}
	return false
}
