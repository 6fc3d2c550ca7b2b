package response

import (
	"errors"
	"fmt"
	"math"

	"dmritools/pkg/gradients"
)

// ErrInvalidBDelta is returned for b-delta values outside [-0.5, 1].
var ErrInvalidBDelta = errors.New("the value of b_delta must be between -0.5 and 1")

// ValidateBDelta checks the encoding shape range.
func ValidateBDelta(bDelta float64) error {
	if bDelta > 1 || bDelta < -0.5 || math.IsNaN(bDelta) {
		return fmt.Errorf("%w: got %g", ErrInvalidBDelta, bDelta)
	}
	return nil
}

// SingleTensorBTensor simulates the signal of an axially symmetric tensor
// aligned with z, measured with a b-tensor encoding of shape bDelta, at every
// measurement of the table:
//
//	S = S0 exp(-b D_iso (1 + 2 b_delta D_delta P2(cos theta)))
//
// The principal diffusivity is the eigenvalue farthest from the mean, the
// perpendicular one the closest.
func SingleTensorBTensor(table *gradients.Table, evals [3]float64, bDelta, s0 float64) ([]float64, error) {
	if err := ValidateBDelta(bDelta); err != nil {
		return nil, err
	}

	dIso := (evals[0] + evals[1] + evals[2]) / 3
	para, perp := 0, 0
	for i := 1; i < 3; i++ {
		if math.Abs(evals[i]-dIso) > math.Abs(evals[para]-dIso) {
			para = i
		}
		if math.Abs(evals[i]-dIso) < math.Abs(evals[perp]-dIso) {
			perp = i
		}
	}
	dDelta := 0.0
	if dIso != 0 {
		dDelta = (evals[para] - evals[perp]) / (3 * dIso)
	}

	out := make([]float64, table.Len())
	for i, g := range table.Bvecs {
		theta := math.Atan2(math.Sqrt(g[0]*g[0]+g[1]*g[1]), g[2])
		c := math.Cos(theta)
		p2 := (3*c*c - 1) / 2
		b := table.Bvals[i]
		out[i] = s0 * math.Exp(-b*dIso*(1+2*bDelta*dDelta*p2))
	}
	return out, nil
}
