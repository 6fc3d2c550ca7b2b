// Package connectivity filters connectivity matrices with conditions on
// their values across a population of matrices.
package connectivity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dmritools/internal/logging"
)

// ErrNoCondition is returned when Filter is given nothing to evaluate.
var ErrNoCondition = errors.New("at least one condition is required")

// Comparison is the test applied to every cell of a matrix.
type Comparison int

const (
	LowerThan Comparison = iota
	GreaterThan
)

func (c Comparison) String() string {
	if c == GreaterThan {
		return "greater_than"
	}
	return "lower_than"
}

func (c Comparison) holds(v, threshold float64) bool {
	if c == GreaterThan {
		return v > threshold
	}
	return v < threshold
}

// Condition holds when at least Population of its matrices pass the
// comparison in a cell. A Population below 1 is a fraction of the matrices.
type Condition struct {
	Comparison Comparison
	Matrices   []mat.Matrix
	Value      float64
	Population float64
}

// ConditionSpec is a condition before its matrices are loaded.
type ConditionSpec struct {
	Comparison Comparison
	Paths      []string
	Value      float64
	Population float64
}

// ParseConditionSpec parses "M1,M2,...,VALUE,POPULATION".
func ParseConditionSpec(cmp Comparison, arg string) (ConditionSpec, error) {
	parts := strings.Split(arg, ",")
	if len(parts) < 3 {
		return ConditionSpec{}, fmt.Errorf("--%s %q: expected MATRIX[,MATRIX...],VALUE,POPULATION", cmp, arg)
	}
	n := len(parts)
	value, err := strconv.ParseFloat(strings.TrimSpace(parts[n-2]), 64)
	if err != nil {
		return ConditionSpec{}, fmt.Errorf("--%s value: %w", cmp, err)
	}
	pop, err := strconv.ParseFloat(strings.TrimSpace(parts[n-1]), 64)
	if err != nil {
		return ConditionSpec{}, fmt.Errorf("--%s population: %w", cmp, err)
	}
	if pop < 0 {
		return ConditionSpec{}, fmt.Errorf("--%s population must be positive, got %g", cmp, pop)
	}
	spec := ConditionSpec{Comparison: cmp, Value: value, Population: pop}
	for _, p := range parts[:n-2] {
		spec.Paths = append(spec.Paths, strings.TrimSpace(p))
	}
	return spec, nil
}

// Load reads the matrices of the condition.
func (s ConditionSpec) Load() (Condition, error) {
	c := Condition{Comparison: s.Comparison, Value: s.Value, Population: s.Population}
	for _, p := range s.Paths {
		m, err := LoadMatrix(p)
		if err != nil {
			return Condition{}, err
		}
		c.Matrices = append(c.Matrices, m)
	}
	return c, nil
}

// FilterOptions selects the form of the output.
type FilterOptions struct {
	// KeepConditionCount outputs the number of satisfied conditions per
	// cell instead of a binary mask.
	KeepConditionCount bool

	// InverseMask flips the output.
	InverseMask bool
}

// Filter evaluates every condition and combines them into a mask (1 where
// all conditions hold) or a per-cell count of satisfied conditions.
func Filter(conditions []Condition, opts FilterOptions, logger *zap.Logger) (*mat.Dense, error) {
	logger = logging.OrNop(logger)
	if len(conditions) == 0 {
		return nil, ErrNoCondition
	}

	var rows, cols int
	for ci, c := range conditions {
		if len(c.Matrices) == 0 {
			return nil, fmt.Errorf("condition %d (%s) has no matrix", ci, c.Comparison)
		}
		for _, m := range c.Matrices {
			r, k := m.Dims()
			if rows == 0 && cols == 0 {
				rows, cols = r, k
			}
			if r != rows || k != cols {
				return nil, fmt.Errorf("all matrices must have the same shape: got %dx%d, expected %dx%d", r, k, rows, cols)
			}
		}
	}

	out := mat.NewDense(rows, cols, nil)
	for _, c := range conditions {
		threshold := c.Population
		if threshold < 1 {
			threshold *= float64(len(c.Matrices))
		}

		satisfied := 0
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				count := 0
				for _, m := range c.Matrices {
					if c.Comparison.holds(m.At(i, j), c.Value) {
						count++
					}
				}
				if float64(count) >= threshold {
					out.Set(i, j, out.At(i, j)+1)
					satisfied++
				}
			}
		}
		logger.Debug("Evaluated condition",
			zap.Stringer("comparison", c.Comparison),
			zap.Float64("value", c.Value),
			zap.Float64("population", threshold),
			zap.Int("matrices", len(c.Matrices)),
			zap.Int("cells", satisfied))
	}

	data := out.RawMatrix().Data
	if !opts.KeepConditionCount {
		n := float64(len(conditions))
		for i, v := range data {
			if v == n {
				data[i] = 1
			} else {
				data[i] = 0
			}
		}
	}

	if opts.InverseMask {
		top := 1.0
		if opts.KeepConditionCount {
			top = floats.Max(data)
		}
		for i, v := range data {
			data[i] = top - v
		}
	}

	logger.Info("Filtered connectivity",
		zap.Int("conditions", len(conditions)),
		zap.Float64("kept", floats.Sum(data)))
	return out, nil
}
