package gradients

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"dmritools/internal/logging"
	"dmritools/internal/models"
	"dmritools/pkg/nifti"
)

// Shell is a b-value acquired with one encoding shape.
type Shell struct {
	Bval   float64
	BDelta float64
}

// Series is one loaded acquisition.
type Series struct {
	Geometry models.Geometry
	BDelta   float64
	Volume   *models.Volume
	Bvals    []float64
	Bvecs    [][3]float64
}

// InputOptions controls how acquisitions are merged.
type InputOptions struct {
	// Tolerance groups b-values into shells
	Tolerance float64

	// B0Threshold is the largest b-value considered unweighted
	B0Threshold float64

	// ForceB0Threshold proceeds when no b-value is below B0Threshold
	ForceB0Threshold bool

	Logger *zap.Logger
}

// BTensorInput is the merged input of a multi-encoding reconstruction.
type BTensorInput struct {
	Table  *Table
	Data   *models.Volume
	Shells []Shell
}

// BvalSchedule returns the b-value of every shell.
func (in *BTensorInput) BvalSchedule() []float64 {
	out := make([]float64, len(in.Shells))
	for i, s := range in.Shells {
		out[i] = s.Bval
	}
	return out
}

// BDeltaSchedule returns the b-delta of every shell that is not a b0 shell.
func (in *BTensorInput) BDeltaSchedule(tol float64) []float64 {
	var out []float64
	for i, s := range in.Shells {
		if i == 0 && s.Bval < tol {
			continue
		}
		out = append(out, s.BDelta)
	}
	return out
}

// GenerateBTensorInput loads every acquisition of the set and merges them.
func GenerateBTensorInput(acqs models.AcquisitionSet, opts InputOptions) (*BTensorInput, error) {
	if err := acqs.Validate(); err != nil {
		return nil, err
	}

	var series []Series
	for _, a := range acqs.Ordered() {
		vol, err := nifti.LoadVolume(a.VolumePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s volume: %w", a.Geometry, err)
		}
		bvals, bvecs, err := ReadBvalsBvecs(a.BvalsPath, a.BvecsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s gradients: %w", a.Geometry, err)
		}
		series = append(series, Series{
			Geometry: a.Geometry,
			BDelta:   a.EffectiveBDelta(),
			Volume:   vol,
			Bvals:    bvals,
			Bvecs:    bvecs,
		})
	}
	return Assemble(series, opts)
}

// Assemble merges loaded series: b-values are rounded, b-vectors
// normalised, shells identified within tolerance, and volumes concatenated
// along the last axis. All b0 shells collapse into a single first shell;
// the remaining shells are sorted by b-value, then by series order.
func Assemble(series []Series, opts InputOptions) (*BTensorInput, error) {
	logger := logging.OrNop(opts.Logger)
	if len(series) == 0 {
		return nil, fmt.Errorf("no acquisition given")
	}

	table := &Table{B0Threshold: opts.B0Threshold}
	var vols []*models.Volume
	var b0 *Shell
	type ordered struct {
		shell Shell
		order int
	}
	var weighted []ordered

	for si, s := range series {
		n := s.Volume.Dims[3]
		if len(s.Bvals) != n || len(s.Bvecs) != n {
			return nil, fmt.Errorf("%s acquisition: %d volumes, %d b-values and %d b-vectors",
				s.Geometry, n, len(s.Bvals), len(s.Bvecs))
		}

		bvals := RoundBvals(s.Bvals, opts.Tolerance)
		bvecs := NormalizeBvecs(s.Bvecs)

		minB := math.Inf(1)
		for _, b := range bvals {
			minB = math.Min(minB, b)
		}
		if err := CheckB0Threshold(opts.ForceB0Threshold, minB, opts.B0Threshold, logger); err != nil {
			return nil, fmt.Errorf("%s acquisition: %w", s.Geometry, err)
		}

		for _, ub := range UniqueBvalsTolerance(bvals, opts.Tolerance) {
			if ub < opts.Tolerance {
				if b0 == nil || ub < b0.Bval {
					b0 = &Shell{Bval: ub, BDelta: 0}
				}
				continue
			}
			weighted = append(weighted, ordered{Shell{Bval: ub, BDelta: s.BDelta}, si})
		}

		t, err := NewTable(bvals, bvecs, s.BDelta, opts.B0Threshold)
		if err != nil {
			return nil, err
		}
		table.Append(t)
		vols = append(vols, s.Volume)

		logger.Debug("Loaded acquisition",
			zap.Stringer("geometry", s.Geometry),
			zap.Float64("bDelta", s.BDelta),
			zap.Int("volumes", n))
	}

	sort.SliceStable(weighted, func(i, j int) bool {
		if weighted[i].shell.Bval != weighted[j].shell.Bval {
			return weighted[i].shell.Bval < weighted[j].shell.Bval
		}
		return weighted[i].order < weighted[j].order
	})

	var shells []Shell
	if b0 != nil {
		shells = append(shells, *b0)
	}
	for _, w := range weighted {
		dup := false
		for _, s := range shells {
			if s.BDelta == w.shell.BDelta && math.Abs(s.Bval-w.shell.Bval) <= opts.Tolerance {
				dup = true
				break
			}
		}
		if !dup {
			shells = append(shells, w.shell)
		}
	}

	data, err := models.Concatenate(vols...)
	if err != nil {
		return nil, fmt.Errorf("acquisitions do not share a spatial shape: %w", err)
	}

	return &BTensorInput{Table: table, Data: data, Shells: shells}, nil
}

// AssignShells maps every measurement of the table to a shell: the shell
// with the same b-delta and nearest b-value, where the first shell, when it
// lies below tol, accepts any b-delta.
func AssignShells(t *Table, shells []Shell, tol float64) ([]int, error) {
	hasB0 := len(shells) > 0 && shells[0].Bval < tol
	idx := make([]int, t.Len())
	for k := range idx {
		best, bestDiff := -1, math.Inf(1)
		for i, s := range shells {
			if !(i == 0 && hasB0) && math.Abs(s.BDelta-t.BDeltas[k]) > 1e-9 {
				continue
			}
			if d := math.Abs(s.Bval - t.Bvals[k]); d < bestDiff {
				best, bestDiff = i, d
			}
		}
		if best < 0 {
			return nil, fmt.Errorf("measurement %d (b=%g, b-delta=%g) matches no shell",
				k, t.Bvals[k], t.BDeltas[k])
		}
		idx[k] = best
	}
	return idx, nil
}
