package risk

import (
	"math"
	"sort"
)

// pcaResult holds the outcome of a principal component analysis over the
// standardized ward/variable matrix.
type pcaResult struct {
	scores             []float64 // per ward, variance-weighted projection
	componentsRetained int
	explainedVariance  float64 // cumulative share of retained components
}

// runPCA standardizes the matrix, eigendecomposes its covariance, and
// scores each ward on the components retained up to the cumulative
// variance threshold. At least one component is always retained.
func runPCA(matrix [][]float64, threshold float64) pcaResult {
	rows := len(matrix)
	if rows == 0 {
		return pcaResult{}
	}
	cols := len(matrix[0])

	z := standardize(matrix)
	cov := covariance(z)
	values, vectors := jacobiEigen(cov)

	// Order components by descending eigenvalue.
	order := make([]int, cols)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})

	var total float64
	for _, v := range values {
		if v > 0 {
			total += v
		}
	}
	if total == 0 {
		return pcaResult{scores: make([]float64, rows), componentsRetained: 0}
	}

	res := pcaResult{scores: make([]float64, rows)}
	var cum float64
	for _, j := range order {
		if values[j] <= 0 {
			break
		}
		share := values[j] / total
		comp := orientComponent(column(vectors, j))
		for i := 0; i < rows; i++ {
			res.scores[i] += share * dot(z[i], comp)
		}
		res.componentsRetained++
		cum += share
		if cum >= threshold {
			break
		}
	}
	res.explainedVariance = cum
	return res
}

// standardize converts each column to z-scores. A zero-variance column
// becomes all zeros.
func standardize(matrix [][]float64) [][]float64 {
	rows, cols := len(matrix), len(matrix[0])
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}

	for j := 0; j < cols; j++ {
		var mean float64
		for i := 0; i < rows; i++ {
			mean += matrix[i][j]
		}
		mean /= float64(rows)

		var variance float64
		for i := 0; i < rows; i++ {
			d := matrix[i][j] - mean
			variance += d * d
		}
		if rows > 1 {
			variance /= float64(rows - 1)
		}
		sd := math.Sqrt(variance)
		for i := 0; i < rows; i++ {
			if sd > 0 {
				out[i][j] = (matrix[i][j] - mean) / sd
			}
		}
	}
	return out
}

// covariance computes the sample covariance matrix of z (columns already
// centered).
func covariance(z [][]float64) [][]float64 {
	rows, cols := len(z), len(z[0])
	cov := make([][]float64, cols)
	for i := range cov {
		cov[i] = make([]float64, cols)
	}
	if rows < 2 {
		return cov
	}

	for a := 0; a < cols; a++ {
		for b := a; b < cols; b++ {
			var sum float64
			for i := 0; i < rows; i++ {
				sum += z[i][a] * z[i][b]
			}
			v := sum / float64(rows-1)
			cov[a][b] = v
			cov[b][a] = v
		}
	}
	return cov
}

// jacobiEigen computes eigenvalues and eigenvectors of a symmetric matrix
// by cyclic Jacobi rotations. Eigenvectors are the columns of the returned
// matrix, paired with values by index.
func jacobiEigen(sym [][]float64) (values []float64, vectors [][]float64) {
	n := len(sym)
	m := make([][]float64, n)
	vectors = make([][]float64, n)
	for i := 0; i < n; i++ {
		m[i] = make([]float64, n)
		copy(m[i], sym[i])
		vectors[i] = make([]float64, n)
		vectors[i][i] = 1
	}

	const maxSweeps = 100
	for sweep := 0; sweep < maxSweeps; sweep++ {
		var off float64
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				off += m[i][j] * m[i][j]
			}
		}
		if off < 1e-18 {
			break
		}

		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				if math.Abs(m[p][q]) < 1e-15 {
					continue
				}
				theta := (m[q][q] - m[p][p]) / (2 * m[p][q])
				t := 1 / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				if theta < 0 {
					t = -t
				}
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				for k := 0; k < n; k++ {
					akp, akq := m[k][p], m[k][q]
					m[k][p] = c*akp - s*akq
					m[k][q] = s*akp + c*akq
				}
				for k := 0; k < n; k++ {
					apk, aqk := m[p][k], m[q][k]
					m[p][k] = c*apk - s*aqk
					m[q][k] = s*apk + c*aqk
				}
				for k := 0; k < n; k++ {
					vkp, vkq := vectors[k][p], vectors[k][q]
					vectors[k][p] = c*vkp - s*vkq
					vectors[k][q] = s*vkp + c*vkq
				}
			}
		}
	}

	values = make([]float64, n)
	for i := 0; i < n; i++ {
		values[i] = m[i][i]
	}
	return values, vectors
}

func column(matrix [][]float64, j int) []float64 {
	col := make([]float64, len(matrix))
	for i := range matrix {
		col[i] = matrix[i][j]
	}
	return col
}

// orientComponent fixes the arbitrary sign of an eigenvector so the
// variable with the largest absolute loading loads positive. Keeps scores
// reproducible across runs and platforms.
func orientComponent(v []float64) []float64 {
	maxIdx := 0
	for i := range v {
		if math.Abs(v[i]) > math.Abs(v[maxIdx]) {
			maxIdx = i
		}
	}
	if v[maxIdx] < 0 {
		for i := range v {
			v[i] = -v[i]
		}
	}
	return v
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
