// Package gradients loads diffusion encoding schemes and groups measurements
// into shells.
package gradients

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"dmritools/internal/logging"
	"dmritools/internal/textio"
)

// Table is the gradient table of a (possibly concatenated) acquisition.
type Table struct {
	Bvals   []float64
	Bvecs   [][3]float64
	BDeltas []float64

	// B0Threshold is the largest b-value still considered a b0.
	B0Threshold float64
}

// NewTable builds a table where every measurement shares bDelta.
func NewTable(bvals []float64, bvecs [][3]float64, bDelta, b0Threshold float64) (*Table, error) {
	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("%d b-values but %d b-vectors", len(bvals), len(bvecs))
	}
	deltas := make([]float64, len(bvals))
	for i := range deltas {
		deltas[i] = bDelta
	}
	return &Table{
		Bvals:       append([]float64(nil), bvals...),
		Bvecs:       append([][3]float64(nil), bvecs...),
		BDeltas:     deltas,
		B0Threshold: b0Threshold,
	}, nil
}

// FromGradients builds a table from gradient vectors whose norm is the
// b-value, as used to simulate signals on a scaled sphere.
func FromGradients(gradients [][3]float64, bDelta float64) *Table {
	t := &Table{
		Bvals:   make([]float64, len(gradients)),
		Bvecs:   make([][3]float64, len(gradients)),
		BDeltas: make([]float64, len(gradients)),
	}
	for i, g := range gradients {
		b := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
		t.Bvals[i] = b
		t.BDeltas[i] = bDelta
		if b > 0 {
			t.Bvecs[i] = [3]float64{g[0] / b, g[1] / b, g[2] / b}
		}
	}
	return t
}

// Len returns the number of measurements.
func (t *Table) Len() int { return len(t.Bvals) }

// IsB0 reports whether measurement i is unweighted.
func (t *Table) IsB0(i int) bool { return t.Bvals[i] <= t.B0Threshold }

// B0sMask flags every unweighted measurement.
func (t *Table) B0sMask() []bool {
	mask := make([]bool, t.Len())
	for i := range mask {
		mask[i] = t.IsB0(i)
	}
	return mask
}

// Append concatenates another table. The receiver keeps its threshold.
func (t *Table) Append(o *Table) {
	t.Bvals = append(t.Bvals, o.Bvals...)
	t.Bvecs = append(t.Bvecs, o.Bvecs...)
	t.BDeltas = append(t.BDeltas, o.BDeltas...)
}

// ReadBvalsBvecs reads FSL formatted b-values and b-vectors. The b-vector
// file may hold 3 rows (FSL) or 3 columns.
func ReadBvalsBvecs(bvalsPath, bvecsPath string) ([]float64, [][3]float64, error) {
	rows, err := textio.ReadTableFile(bvalsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read bvals: %w", err)
	}
	bvals := textio.Flatten(rows)
	if len(bvals) == 0 {
		return nil, nil, fmt.Errorf("bvals file %s is empty", bvalsPath)
	}

	rows, err = textio.ReadTableFile(bvecsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read bvecs: %w", err)
	}
	bvecs, err := parseBvecs(rows, len(bvals))
	if err != nil {
		return nil, nil, fmt.Errorf("bvecs file %s: %w", bvecsPath, err)
	}
	return bvals, bvecs, nil
}

func parseBvecs(rows [][]float64, n int) ([][3]float64, error) {
	out := make([][3]float64, n)
	switch {
	case len(rows) == 3 && len(rows[0]) == n && len(rows[1]) == n && len(rows[2]) == n:
		for i := 0; i < n; i++ {
			out[i] = [3]float64{rows[0][i], rows[1][i], rows[2][i]}
		}
	case len(rows) == n:
		for i, r := range rows {
			if len(r) != 3 {
				return nil, fmt.Errorf("row %d has %d values, expected 3", i, len(r))
			}
			out[i] = [3]float64{r[0], r[1], r[2]}
		}
	default:
		return nil, fmt.Errorf("expected 3x%d or %dx3 values", n, n)
	}
	return out, nil
}

// NormalizeBvecs scales every non-zero b-vector to unit length.
func NormalizeBvecs(bvecs [][3]float64) [][3]float64 {
	out := make([][3]float64, len(bvecs))
	for i, v := range bvecs {
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if n > 0 {
			out[i] = [3]float64{v[0] / n, v[1] / n, v[2] / n}
		}
	}
	return out
}

// RoundBvals rounds b-values to integers when any of them is above tol.
func RoundBvals(bvals []float64, tol float64) []float64 {
	out := append([]float64(nil), bvals...)
	for _, b := range bvals {
		if b > tol {
			for i := range out {
				out[i] = math.Round(out[i])
			}
			break
		}
	}
	return out
}

// UniqueBvalsTolerance groups b-values that lie within tol of each other and
// returns one representative per group, in increasing order. A group starts
// at its smallest value, extends over values below start+tol, and is
// represented by the largest of those; values within tol above the
// representative are absorbed into the same group.
func UniqueBvalsTolerance(bvals []float64, tol float64) []float64 {
	if len(bvals) == 0 {
		return nil
	}
	b := append([]float64(nil), bvals...)
	sort.Float64s(b)

	var out []float64
	i := 0
	for i < len(b) {
		start := b[i]
		j := i
		for j+1 < len(b) && b[j+1] < start+tol {
			j++
		}
		rep := b[j]
		out = append(out, rep)
		for j+1 < len(b) && b[j+1] <= rep+tol {
			j++
		}
		i = j + 1
	}
	return out
}

// CheckB0Threshold fails when the smallest b-value exceeds the b0
// threshold, unless force is set, in which case it only warns.
func CheckB0Threshold(force bool, minBval, threshold float64, logger *zap.Logger) error {
	if minBval <= threshold {
		return nil
	}
	if force {
		logging.OrNop(logger).Warn("Minimal b-value is greater than the b0 threshold; no b0 volume will be used",
			zap.Float64("minBval", minBval), zap.Float64("threshold", threshold))
		return nil
	}
	return fmt.Errorf("the minimal b-value (%g) is greater than the b0 threshold (%g): no b0 volumes found; "+
		"use --force_b0_threshold to proceed anyway", minBval, threshold)
}
