package shm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"dmritools/pkg/sphere"
)

// LeastSquares solves min ||A x - b|| using a QR decomposition. When A is
// under-determined or rank deficient the normal equations are solved with
// a small ridge term instead.
func LeastSquares(a mat.Matrix, b []float64) ([]float64, error) {
	r, c := a.Dims()
	if r != len(b) {
		return nil, fmt.Errorf("least squares: %d rows but %d samples", r, len(b))
	}

	if r >= c {
		var qr mat.QR
		qr.Factorize(a)
		var x mat.VecDense
		if err := qr.SolveVecTo(&x, false, mat.NewVecDense(r, b)); err == nil {
			return mat.Col(nil, 0, &x), nil
		}
	}

	return ridgeSolve(a, b)
}

// ridgeSolve solves (A'A + eps I) x = A'b, raising eps until the system
// factorizes.
func ridgeSolve(a mat.Matrix, b []float64) ([]float64, error) {
	r, c := a.Dims()

	var ata mat.SymDense
	ata.SymOuterK(1, a.T())
	var atb mat.VecDense
	atb.MulVec(a.T(), mat.NewVecDense(r, b))

	trace := 0.0
	for i := 0; i < c; i++ {
		trace += ata.At(i, i)
	}
	eps := 1e-10 * trace / float64(c)
	if eps <= 0 {
		eps = 1e-12
	}

	for attempt := 0; attempt < 8; attempt++ {
		reg := mat.NewSymDense(c, nil)
		reg.CopySym(&ata)
		for i := 0; i < c; i++ {
			reg.SetSym(i, i, reg.At(i, i)+eps)
		}

		var chol mat.Cholesky
		if chol.Factorize(reg) {
			var x mat.VecDense
			if err := chol.SolveVecTo(&x, &atb); err == nil {
				return mat.Col(nil, 0, &x), nil
			}
		}
		eps *= 100
	}
	return nil, fmt.Errorf("least squares: system is singular")
}

// ConversionMatrix returns the matrix M such that M c expresses the
// coefficients c of basis from in basis to. The conversion is fitted on the
// vertices of s, which must outnumber the coefficients.
func ConversionMatrix(order int, from, to Basis, s *sphere.Sphere) (*mat.Dense, error) {
	if err := ValidateOrder(order); err != nil {
		return nil, err
	}
	if s.Len() < NCoeffs(order) {
		return nil, fmt.Errorf("sphere has %d vertices, need at least %d for order %d",
			s.Len(), NCoeffs(order), order)
	}

	theta, phi := s.Theta(), s.Phi()
	bIn := Matrix(from, order, theta, phi)
	bOut := Matrix(to, order, theta, phi)

	var qr mat.QR
	qr.Factorize(bOut)
	var conv mat.Dense
	if err := qr.SolveTo(&conv, false, bIn); err != nil {
		return nil, fmt.Errorf("basis conversion: %w", err)
	}
	return &conv, nil
}

// ConvertBasis rewrites a set of coefficient vectors, each of length
// NCoeffs(order), from one basis to another. The input is not modified.
func ConvertBasis(coeffs [][]float64, order int, from, to Basis, s *sphere.Sphere) ([][]float64, error) {
	out := make([][]float64, len(coeffs))
	if from == to {
		for i, c := range coeffs {
			out[i] = append([]float64(nil), c...)
		}
		return out, nil
	}

	conv, err := ConversionMatrix(order, from, to, s)
	if err != nil {
		return nil, err
	}
	n := NCoeffs(order)
	for i, c := range coeffs {
		if len(c) != n {
			return nil, fmt.Errorf("coefficient vector %d has length %d, expected %d", i, len(c), n)
		}
		var v mat.VecDense
		v.MulVec(conv, mat.NewVecDense(n, c))
		out[i] = mat.Col(nil, 0, &v)
	}
	return out, nil
}
