package tpr

import "math"

// z for a 95% interval.
const defaultZ = 1.959963984540054

// wilson computes the Wilson score interval for positive/total, returned
// as percentages. Preferred over the normal approximation, which
// misbehaves near 0% and 100%.
func wilson(positive, total int64, z float64) (low, high float64) {
	if total <= 0 {
		return 0, 0
	}
	if z <= 0 {
		z = defaultZ
	}

	n := float64(total)
	p := float64(positive) / n
	z2 := z * z

	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n)) / denom

	low = math.Max(0, center-margin) * 100
	high = math.Min(1, center+margin) * 100
	return low, high
}
