package risk

import "sort"

// combinations returns all k-element subsets of vars in lexicographic
// order. vars must already be sorted; determinism of the ensemble depends
// on it.
func combinations(vars []string, k int) [][]string {
	if k <= 0 || k > len(vars) {
		return nil
	}

	var out [][]string
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		combo := make([]string, k)
		for i, j := range idx {
			combo[i] = vars[j]
		}
		out = append(out, combo)

		// Advance to the next combination.
		i := k - 1
		for i >= 0 && idx[i] == len(vars)-k+i {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// selectModels down-samples the combination list to at most count members
// with an even stride, so the chosen subsets spread across the whole
// lexicographic range instead of clustering at the front.
func selectModels(combos [][]string, count int) [][]string {
	if count <= 0 || len(combos) <= count {
		return combos
	}
	out := make([][]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, combos[i*len(combos)/count])
	}
	return out
}

// median returns the middle value of xs. The input is copied; callers'
// slices are never reordered.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)

	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// minMaxNormalize rescales each column of matrix to [0, 1]. A constant
// column maps to 0.5 so it neither raises nor lowers any composite.
func minMaxNormalize(matrix [][]float64) [][]float64 {
	if len(matrix) == 0 {
		return nil
	}
	rows, cols := len(matrix), len(matrix[0])
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}

	for j := 0; j < cols; j++ {
		lo, hi := matrix[0][j], matrix[0][j]
		for i := 1; i < rows; i++ {
			if matrix[i][j] < lo {
				lo = matrix[i][j]
			}
			if matrix[i][j] > hi {
				hi = matrix[i][j]
			}
		}
		span := hi - lo
		for i := 0; i < rows; i++ {
			if span == 0 {
				out[i][j] = 0.5
			} else {
				out[i][j] = (matrix[i][j] - lo) / span
			}
		}
	}
	return out
}
