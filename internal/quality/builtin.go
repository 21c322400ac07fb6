package quality

import "github.com/opensource-health/wardwatch/internal/domain"

// BuiltinRules returns the default rule set seeded into every new
// session. Sessions may edit or disable these through the rule API.
func BuiltinRules(sessionID string) []*domain.QualityRule {
	return []*domain.QualityRule{
		{
			ID:          "builtin/negative-count",
			SessionID:   sessionID,
			Name:        "negative count",
			Description: "Tested or positive counts below zero are recording errors.",
			Version:     "1",
			Expression:  "tested < 0 || positive < 0",
			Severity:    domain.SeverityExclude,
			Enabled:     true,
		},
		{
			ID:          "builtin/positive-without-tested",
			SessionID:   sessionID,
			Name:        "positive count without tested count",
			Description: "A positive count with no tested denominator cannot contribute to a rate.",
			Version:     "1",
			Expression:  "has_positive && !has_tested",
			Severity:    domain.SeverityExclude,
			Enabled:     true,
		},
		{
			ID:          "builtin/all-positive",
			SessionID:   sessionID,
			Name:        "every test positive",
			Description: "100% positivity on a substantial denominator usually means only positives were recorded.",
			Version:     "1",
			Expression:  "has_tested && tested >= 50 && positive == tested",
			Severity:    domain.SeverityWarning,
			Enabled:     true,
		},
		{
			ID:          "builtin/zero-tested-high-attendance",
			SessionID:   sessionID,
			Name:        "no testing despite high attendance",
			Description: "A busy facility reporting zero tests likely has a reporting gap.",
			Version:     "1",
			Expression:  "has_tested && tested == 0 && has_attendance && attendance >= 100",
			Severity:    domain.SeverityWarning,
			Enabled:     true,
		},
	}
}
