package reconstruction

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingularSystem is returned when the normal equations cannot be
// factorised even after regularisation.
var ErrSingularSystem = errors.New("singular deconvolution system")

// VoxelFit is the result of the constrained deconvolution of one voxel.
type VoxelFit struct {
	// Coeffs holds CSF, GM, then the WM SH coefficients.
	Coeffs []float64

	Iterations int

	// Converged is set when every constraint holds within the tolerance.
	Converged bool

	// RMSE is the root mean square residual of the prediction.
	RMSE float64
}

// FitVoxel solves min ||X c - s||² subject to Reg c >= 0 for one signal.
//
// With H = XᵀX and u = H⁻¹Xᵀs the solution is c = u + H⁻¹Regᵀ mu, where the
// multipliers mu >= 0 minimise the dual problem
//
//	½ muᵀ (Reg H⁻¹ Regᵀ) mu + muᵀ (Reg u)
//
// which is solved with the Lawson-Hanson active set method: the most
// violated constraint enters the passive set, and multipliers that would
// turn negative are released.
func (m *MultiShellDeconvModel) FitVoxel(signal []float64) (*VoxelFit, error) {
	nMeas, nCols := m.X.Dims()
	if len(signal) != nMeas {
		return nil, fmt.Errorf("signal has %d measurements, model expects %d", len(signal), nMeas)
	}

	fit := &VoxelFit{Coeffs: make([]float64, nCols), Converged: true}
	if allZero(signal) {
		return fit, nil
	}

	var xts, u mat.VecDense
	xts.MulVec(m.xt, mat.NewVecDense(nMeas, signal))
	if err := ignoreCondition(m.chol.SolveVecTo(&u, &xts)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularSystem, err)
	}

	var hv mat.VecDense
	hv.MulVec(m.Reg, &u)
	h := hv.RawVector().Data
	nCons := len(h)
	eps := m.params.Tolerance * math.Max(1, maxAbs(h))

	mu := make([]float64, nCons)
	passive := make([]bool, nCons)
	skip := make([]bool, nCons)
	amp := append([]float64(nil), h...)

	for fit.Iterations < m.maxIterations {
		j, worst := -1, -eps
		for i, a := range amp {
			if !passive[i] && !skip[i] && a < worst {
				j, worst = i, a
			}
		}
		if j < 0 {
			break
		}
		fit.Iterations++

		passive[j] = true
		entered, err := m.relax(h, mu, passive, j)
		if err != nil {
			return nil, err
		}
		if entered {
			clear(skip)
		} else {
			// Numerically dependent on the passive set.
			skip[j] = true
		}
		m.amplitudes(amp, h, mu)
	}

	coeffs := mat.VecDenseCopyOf(&u)
	for i, v := range mu {
		if v != 0 {
			coeffs.AddScaledVec(coeffs, v, m.hInvRt.ColView(i))
		}
	}
	copy(fit.Coeffs, coeffs.RawVector().Data)

	var rc mat.VecDense
	rc.MulVec(m.Reg, coeffs)
	fit.Converged = mat.Min(&rc) >= -eps
	fit.RMSE = rmse(signal, m.Predict(fit.Coeffs))
	return fit, nil
}

// relax solves the dual subproblem restricted to the passive set. While a
// multiplier of the solution is not positive, it steps from mu towards the
// solution as far as feasibility allows and releases the multipliers that
// reached zero. It reports false when the entering constraint j was dropped
// at once, leaving mu unchanged.
func (m *MultiShellDeconvModel) relax(h, mu []float64, passive []bool, j int) (bool, error) {
	for first := true; ; first = false {
		idx := indices(passive)
		z, err := m.solvePassive(h, idx)
		if err != nil {
			return false, err
		}

		alpha, out, blocked := 1.0, -1, false
		for k, i := range idx {
			if z[k] > 0 {
				continue
			}
			if first && i == j {
				passive[j] = false
				return false, nil
			}
			blocked = true
			if d := mu[i] - z[k]; d > 0 && mu[i]/d < alpha {
				alpha, out = mu[i]/d, i
			}
		}
		if !blocked {
			for k, i := range idx {
				mu[i] = z[k]
			}
			return true, nil
		}

		for k, i := range idx {
			mu[i] += alpha * (z[k] - mu[i])
			if i == out || mu[i] <= 0 {
				mu[i] = 0
				passive[i] = false
			}
		}
	}
}

// solvePassive solves G_PP z = -h_P with G the dual Gram matrix.
func (m *MultiShellDeconvModel) solvePassive(h []float64, idx []int) ([]float64, error) {
	n := len(idx)
	g := mat.NewSymDense(n, nil)
	rhs := mat.NewVecDense(n, nil)
	for a, i := range idx {
		rhs.SetVec(a, -h[i])
		for b := a; b < n; b++ {
			g.SetSym(a, b, (m.gram.At(i, idx[b])+m.gram.At(idx[b], i))/2)
		}
	}
	z, err := solveSym(g, rhs)
	if err != nil {
		return nil, err
	}
	return z.RawVector().Data, nil
}

// amplitudes sets amp = h + G mu, the constraint values of the current
// primal solution.
func (m *MultiShellDeconvModel) amplitudes(amp, h, mu []float64) {
	copy(amp, h)
	for j, v := range mu {
		if v == 0 {
			continue
		}
		for i := range amp {
			amp[i] += m.gram.At(i, j) * v
		}
	}
}

// factorSym computes the Cholesky factorisation of a symmetric positive
// matrix, adding an increasing ridge to the diagonal when it is singular.
func factorSym(a *mat.SymDense) (*mat.Cholesky, error) {
	n := a.SymmetricDim()
	scale := 0.0
	for i := 0; i < n; i++ {
		scale = math.Max(scale, a.At(i, i))
	}
	if scale == 0 {
		scale = 1
	}

	sys := mat.NewSymDense(n, nil)
	sys.CopySym(a)
	for eps := 0.0; eps <= 1e-2; {
		var chol mat.Cholesky
		if chol.Factorize(sys) {
			return &chol, nil
		}

		if eps == 0 {
			eps = 1e-12
		} else {
			eps *= 100
		}
		sys.CopySym(a)
		for i := 0; i < n; i++ {
			sys.SetSym(i, i, a.At(i, i)+eps*scale)
		}
	}
	return nil, ErrSingularSystem
}

// solveSym solves a symmetric positive system through factorSym.
func solveSym(a *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error) {
	chol, err := factorSym(a)
	if err != nil {
		return nil, err
	}
	var x mat.VecDense
	if err := ignoreCondition(chol.SolveVecTo(&x, b)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularSystem, err)
	}
	return &x, nil
}

// ignoreCondition drops the ill-conditioning warning of gonum solvers; the
// result is still computed in that case.
func ignoreCondition(err error) error {
	var cond mat.Condition
	if errors.As(err, &cond) {
		return nil
	}
	return err
}

func indices(set []bool) []int {
	var out []int
	for i, in := range set {
		if in {
			out = append(out, i)
		}
	}
	return out
}

func maxAbs(v []float64) float64 {
	out := 0.0
	for _, x := range v {
		out = math.Max(out, math.Abs(x))
	}
	return out
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func rmse(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a)))
}
