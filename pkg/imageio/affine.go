package imageio

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"greedyreg/pkg/grid"
)

const itkTransformHeader = "#Insight Transform File"

// ReadAffineMatrix loads an affine transform as an (N+1)x(N+1)
// homogeneous matrix in RAS physical space. Two formats are accepted: a
// tagged transform file carrying an LPS matrix, center and translation,
// and a plain whitespace-separated homogeneous matrix. Exponent -1
// inverts the matrix at read time; only +1 and -1 are meaningful for
// matrices, anything else is rejected.
func ReadAffineMatrix(path string, exponent int) (*mat.Dense, error) {
	if exponent != 1 && exponent != -1 {
		return nil, fmt.Errorf("%w: affine transform %s cannot be raised to power %d",
			grid.ErrConfiguration, path, exponent)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrResource, err)
	}

	var q *mat.Dense
	if strings.HasPrefix(strings.TrimSpace(string(raw)), itkTransformHeader) {
		q, err = parseTaggedTransform(path, string(raw))
	} else {
		q, err = parsePlainMatrix(path, string(raw))
	}
	if err != nil {
		return nil, err
	}

	if exponent == -1 {
		var inv mat.Dense
		if err := inv.Inverse(q); err != nil {
			return nil, fmt.Errorf("transform %s is not invertible: %w", path, err)
		}
		q = &inv
	}
	return q, nil
}

// parseTaggedTransform decodes the header format. The matrix, center and
// translation live in LPS space; the homogeneous matrix is assembled as
// A, t + c - A*c and then flipped into RAS by negating the entries that
// mix the first two axes with the rest.
func parseTaggedTransform(path, text string) (*mat.Dense, error) {
	var params, fixed []float64
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Parameters:"):
			v, err := parseFloats(strings.TrimPrefix(line, "Parameters:"))
			if err != nil {
				return nil, fmt.Errorf("bad parameters in %s: %w", path, err)
			}
			params = v
		case strings.HasPrefix(line, "FixedParameters:"):
			v, err := parseFloats(strings.TrimPrefix(line, "FixedParameters:"))
			if err != nil {
				return nil, fmt.Errorf("bad fixed parameters in %s: %w", path, err)
			}
			fixed = v
		}
	}
	if params == nil {
		return nil, fmt.Errorf("%w: no Parameters line in %s", grid.ErrConfiguration, path)
	}

	// n*n matrix entries followed by n translation entries.
	n := int(math.Round((math.Sqrt(float64(1+4*len(params))) - 1) / 2))
	if n*(n+1) != len(params) {
		return nil, fmt.Errorf("%w: %s has %d parameters, not an affine count",
			grid.ErrConfiguration, path, len(params))
	}
	if fixed == nil {
		fixed = make([]float64, n)
	}
	if len(fixed) != n {
		return nil, fmt.Errorf("%w: %s has %d fixed parameters for dimension %d",
			grid.ErrConfiguration, path, len(fixed), n)
	}

	q := mat.NewDense(n+1, n+1, nil)
	q.Set(n, n, 1)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			q.Set(i, j, params[i*n+j])
		}
	}
	for i := 0; i < n; i++ {
		b := params[n*n+i] + fixed[i]
		for j := 0; j < n; j++ {
			b -= q.At(i, j) * fixed[j]
		}
		q.Set(i, n, b)
	}

	if n == 3 {
		lpsToRAS(q)
	}
	return q, nil
}

// lpsToRAS flips a homogeneous 3-D matrix between the LPS and RAS
// conventions. The flip negates the first two rows and first two
// columns; entries touched twice cancel, leaving six sign changes.
func lpsToRAS(q *mat.Dense) {
	for _, rc := range [][2]int{{2, 0}, {2, 1}, {0, 2}, {1, 2}, {0, 3}, {1, 3}} {
		q.Set(rc[0], rc[1], -q.At(rc[0], rc[1]))
	}
}

func parsePlainMatrix(path, text string) (*mat.Dense, error) {
	vals, err := parseFloats(text)
	if err != nil {
		return nil, fmt.Errorf("bad matrix in %s: %w", path, err)
	}
	side := int(math.Round(math.Sqrt(float64(len(vals)))))
	if side*side != len(vals) || side < 2 {
		return nil, fmt.Errorf("%w: %s holds %d values, not a square matrix",
			grid.ErrConfiguration, path, len(vals))
	}
	return mat.NewDense(side, side, vals), nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// WriteAffineMatrix persists a homogeneous RAS matrix as plain text, one
// row per line.
func WriteAffineMatrix(q *mat.Dense, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", grid.ErrResource, err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	rows, cols := q.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if j > 0 {
				if _, err := w.WriteString(" "); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "%.12g", q.At(i, j)); err != nil {
				return err
			}
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write matrix %s: %w", path, err)
	}
	return nil
}
