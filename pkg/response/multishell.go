package response

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"dmritools/internal/logging"
	"dmritools/pkg/gradients"
	"dmritools/pkg/shm"
	"dmritools/pkg/sphere"
)

// MultiShellResponse is the response kernel of a multi-shell multi-tissue
// deconvolution. Row i of Response holds, for shell i, the CSF and GM
// coefficients followed by the zonal WM coefficients n = 0, 2, ..., SHOrder.
type MultiShellResponse struct {
	Response *mat.Dense
	SHOrder  int
	Shells   []float64
	BDeltas  []float64

	// S0 holds the unweighted signal of CSF, GM and WM, in that order.
	S0 [3]float64
}

// NumIso is the number of isotropic compartments (CSF, GM).
const NumIso = 2

// NumZonal returns the number of WM zonal coefficients.
func (r *MultiShellResponse) NumZonal() int { return r.SHOrder/2 + 1 }

// EstimatorParams configures MultiShellFiberResponse.
type EstimatorParams struct {
	SHOrder int

	// Bvals is the shell schedule; a first value below Tolerance is the b0
	// shell.
	Bvals []float64

	WM, GM, CSF *FRF

	// BDeltas holds one value per non-b0 shell. Nil means linear encoding
	// for every shell.
	BDeltas []float64

	// Sphere is subdivided once to sample the WM response. Nil selects
	// sphere.Default().
	Sphere *sphere.Sphere

	Tolerance float64

	Logger *zap.Logger
}

// MultiShellFiberResponse computes the per-shell response kernel.
//
// Gray matter and CSF decay mono-exponentially with the first eigenvalue of
// their response row for that shell; the white matter signal is simulated
// with SingleTensorBTensor on a dense sphere and projected on the zonal
// harmonics. Without a b0 shell every shell is treated as weighted.
func MultiShellFiberResponse(p EstimatorParams) (*MultiShellResponse, error) {
	logger := logging.OrNop(p.Logger)

	if err := shm.ValidateOrder(p.SHOrder); err != nil {
		return nil, err
	}
	if len(p.Bvals) == 0 {
		return nil, fmt.Errorf("no shell given")
	}
	if p.WM == nil || p.GM == nil || p.CSF == nil {
		return nil, fmt.Errorf("the WM, GM and CSF responses are all required")
	}

	hasB0 := p.Bvals[0] < p.Tolerance
	nWeighted := len(p.Bvals)
	if hasB0 {
		nWeighted--
	}

	bDeltas := p.BDeltas
	if bDeltas == nil {
		bDeltas = make([]float64, nWeighted)
		for i := range bDeltas {
			bDeltas[i] = 1
		}
	}
	if len(bDeltas) != nWeighted {
		return nil, fmt.Errorf("%d b-deltas given for %d weighted shells", len(bDeltas), nWeighted)
	}
	for _, d := range bDeltas {
		if err := ValidateBDelta(d); err != nil {
			return nil, err
		}
	}
	for _, frf := range []*FRF{p.WM, p.GM, p.CSF} {
		if !frf.Broadcast() && len(frf.Rows) < nWeighted {
			return nil, fmt.Errorf("%w: %s frf has %d rows for %d weighted shells",
				ErrFRFFormat, frf.Tissue, len(frf.Rows), nWeighted)
		}
	}

	s := p.Sphere
	if s == nil {
		s = sphere.Default()
	}
	big := s.Subdivide(1)
	basis := shm.ZonalMatrix(p.SHOrder, big.Theta())
	a := shm.Y00

	nZonal := p.SHOrder/2 + 1
	resp := mat.NewDense(len(p.Bvals), nZonal+NumIso, nil)

	fitShell := func(row int, bvalue, bDelta float64, r, gm, csf Row) error {
		table := gradients.FromGradients(big.Scaled(bvalue), bDelta)
		signal, err := SingleTensorBTensor(table, r.Evals, bDelta, r.S0)
		if err != nil {
			return err
		}
		coeffs, err := shm.LeastSquares(basis, signal)
		if err != nil {
			return fmt.Errorf("shell %d: %w", row, err)
		}
		for j, c := range coeffs {
			resp.Set(row, NumIso+j, c)
		}
		resp.Set(row, 1, gm.S0*math.Exp(-bvalue*gm.Evals[0])/a)
		resp.Set(row, 0, csf.S0*math.Exp(-bvalue*csf.Evals[0])/a)
		return nil
	}

	offset := 0
	if hasB0 {
		wm0 := p.WM.Row(0)
		// At b = 0 the simulated signal is S0 in every direction, whatever
		// the encoding shape.
		if err := fitShell(0, 0, 1, wm0, p.GM.Row(0), p.CSF.Row(0)); err != nil {
			return nil, err
		}
		resp.Set(0, 1, p.GM.Row(0).S0/a)
		resp.Set(0, 0, p.CSF.Row(0).S0/a)
		offset = 1
	} else {
		logger.Warn("No b0 was given. Proceeding either way.",
			zap.Float64("firstBval", p.Bvals[0]), zap.Float64("tolerance", p.Tolerance))
	}

	for i := 0; i < nWeighted; i++ {
		bvalue := p.Bvals[i+offset]
		if err := fitShell(i+offset, bvalue, bDeltas[i], p.WM.Row(i), p.GM.Row(i), p.CSF.Row(i)); err != nil {
			return nil, err
		}
	}

	out := &MultiShellResponse{
		Response: resp,
		SHOrder:  p.SHOrder,
		Shells:   append([]float64(nil), p.Bvals...),
		BDeltas:  append([]float64(nil), bDeltas...),
		S0:       [3]float64{p.CSF.Row(0).S0, p.GM.Row(0).S0, p.WM.Row(0).S0},
	}

	logger.Debug("Estimated multi-shell response",
		zap.Int("shells", len(p.Bvals)),
		zap.Int("shOrder", p.SHOrder),
		zap.Bool("b0", hasB0))

	return out, nil
}

// ShellDeltas returns the b-delta of every shell, the b0 shell included
// (which takes 1 since the encoding shape has no effect at b = 0).
func (r *MultiShellResponse) ShellDeltas(tol float64) []float64 {
	if len(r.Shells) > 0 && r.Shells[0] < tol {
		return append([]float64{1}, r.BDeltas...)
	}
	return append([]float64(nil), r.BDeltas...)
}
