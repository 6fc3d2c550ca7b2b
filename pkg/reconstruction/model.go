package reconstruction

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"dmritools/pkg/gradients"
	"dmritools/pkg/response"
	"dmritools/pkg/shm"
	"dmritools/pkg/sphere"
)

// FitParams controls the constrained deconvolution of a voxel.
type FitParams struct {
	// Tolerance is the relative violation below which a constraint holds.
	Tolerance float64

	// MaxIterations bounds the active-set iterations; 0 selects three times
	// the number of constraints.
	MaxIterations int
}

// DefaultFitParams returns a tolerance of 1e-6 and the automatic iteration
// bound.
func DefaultFitParams() FitParams {
	return FitParams{Tolerance: 1e-6}
}

// MultiShellDeconvModel is a multi-shell multi-tissue deconvolution model:
// two isotropic compartments (CSF, GM) and a white matter fODF expanded in
// the descoteaux07 basis.
type MultiShellDeconvModel struct {
	Table    *gradients.Table
	Response *response.MultiShellResponse
	SHOrder  int

	// X maps the coefficients (CSF, GM, WM SH...) to the signal.
	X *mat.Dense

	// Reg evaluates the compartments on the regularisation sphere; the
	// first two rows are the isotropic coefficients themselves.
	Reg *mat.Dense

	// Delta holds the SH expansion of a dirac along z, per column.
	Delta []float64

	// ShellIndex maps every measurement to its response shell.
	ShellIndex []int

	params        FitParams
	maxIterations int

	xt   mat.Matrix
	chol *mat.Cholesky

	// hInvRt is H⁻¹Regᵀ and gram is Reg H⁻¹ Regᵀ, with H = XᵀX.
	hInvRt *mat.Dense
	gram   *mat.Dense
}

// NewMultiShellDeconvModel builds the design and constraint matrices.
// regSphere nil selects the hemisphere of sphere.Default(); tol identifies
// the b0 shell of the response.
func NewMultiShellDeconvModel(table *gradients.Table, resp *response.MultiShellResponse,
	regSphere *sphere.Sphere, shOrder int, tol float64, params FitParams) (*MultiShellDeconvModel, error) {

	if err := shm.ValidateOrder(shOrder); err != nil {
		return nil, err
	}
	if shOrder > resp.SHOrder {
		return nil, fmt.Errorf("model order %d exceeds the response order %d", shOrder, resp.SHOrder)
	}
	if params.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations must not be negative, got %d", params.MaxIterations)
	}
	if params.Tolerance <= 0 {
		params.Tolerance = DefaultFitParams().Tolerance
	}
	if regSphere == nil {
		regSphere = sphere.Default().Hemisphere()
	}

	shells := make([]gradients.Shell, len(resp.Shells))
	deltas := resp.ShellDeltas(tol)
	for i, b := range resp.Shells {
		shells[i] = gradients.Shell{Bval: b, BDelta: deltas[i]}
	}
	shellIdx, err := gradients.AssignShells(table, shells, tol)
	if err != nil {
		return nil, err
	}

	m, n := shm.SphHarmIndList(shOrder)
	nCoeffs := len(m)
	nCols := response.NumIso + nCoeffs

	delta := make([]float64, nCols)
	nIdx := make([]int, nCols)
	for i := 0; i < response.NumIso; i++ {
		delta[i] = shm.Y00
		nIdx[i] = i
	}
	for j := range m {
		delta[response.NumIso+j] = shm.ZonalAtPole(n[j])
		nIdx[response.NumIso+j] = response.NumIso + n[j]/2
	}

	x := mat.NewDense(table.Len(), nCols, nil)
	for k := 0; k < table.Len(); k++ {
		_, theta, phi := sphere.Cart2Sphere(table.Bvecs[k])
		b0 := table.IsB0(k)
		row := shellIdx[k]
		for c := 0; c < nCols; c++ {
			var basis float64
			switch {
			case c < response.NumIso:
				basis = shm.Y00
			case b0 && n[c-response.NumIso] > 0:
				basis = 0
			default:
				basis = shm.RealSH(shm.Descoteaux07, m[c-response.NumIso], n[c-response.NumIso], theta, phi)
			}
			kernel := resp.Response.At(row, nIdx[c]) / delta[c]
			x.Set(k, c, basis*kernel)
		}
	}

	bReg := shm.Matrix(shm.Descoteaux07, shOrder, regSphere.Theta(), regSphere.Phi())
	nReg := regSphere.Len()
	reg := mat.NewDense(response.NumIso+nReg, nCols, nil)
	for i := 0; i < response.NumIso; i++ {
		reg.Set(i, i, 1)
	}
	for i := 0; i < nReg; i++ {
		for j := 0; j < nCoeffs; j++ {
			reg.Set(response.NumIso+i, response.NumIso+j, bReg.At(i, j))
		}
	}

	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	chol, err := factorSym(&xtx)
	if err != nil {
		return nil, err
	}
	var hInvRt, gram mat.Dense
	if err := ignoreCondition(chol.SolveTo(&hInvRt, reg.T())); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularSystem, err)
	}
	gram.Mul(reg, &hInvRt)

	maxIter := params.MaxIterations
	if maxIter == 0 {
		nCons, _ := reg.Dims()
		maxIter = 3 * nCons
	}

	return &MultiShellDeconvModel{
		Table:         table,
		Response:      resp,
		SHOrder:       shOrder,
		X:             x,
		Reg:           reg,
		Delta:         delta,
		ShellIndex:    shellIdx,
		params:        params,
		maxIterations: maxIter,
		xt:            x.T(),
		chol:          chol,
		hInvRt:        &hInvRt,
		gram:          &gram,
	}, nil
}

// NumCoeffs returns the number of fitted coefficients per voxel.
func (m *MultiShellDeconvModel) NumCoeffs() int {
	_, c := m.X.Dims()
	return c
}

// Predict returns the signal of a coefficient vector.
func (m *MultiShellDeconvModel) Predict(coeffs []float64) []float64 {
	var s mat.VecDense
	s.MulVec(m.X, mat.NewVecDense(len(coeffs), coeffs))
	return mat.Col(nil, 0, &s)
}
