package resolver

import "strings"

// Normalize canonicalizes a ward/LGA/state name for matching: lower-case,
// hyphen and underscore variants collapsed to single spaces, and trailing
// "ward"/"state" qualifiers stripped ("Akwa-Ibom State" == "akwa ibom").
// Non-ASCII characters pass through untouched; transliteration is
// forbidden because upstream labels are opaque keys.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	s = collapseSpaces(s)

	for _, suffix := range []string{" ward", " state"} {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
		}
	}

	return s
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
