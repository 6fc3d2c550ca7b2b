package shm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dmritools/pkg/sphere"
)

func TestSphHarmIndList(t *testing.T) {
	m, n := SphHarmIndList(4)
	require.Len(t, m, 15)
	assert.Equal(t, []int{0, -2, -1, 0, 1, 2}, m[:6])
	assert.Equal(t, []int{0, 2, 2, 2, 2, 2}, n[:6])
	assert.Equal(t, 45, NCoeffs(8))
}

func TestOrderFromNCoeffs(t *testing.T) {
	for _, order := range []int{0, 2, 4, 8, 12} {
		got, err := OrderFromNCoeffs(NCoeffs(order))
		require.NoError(t, err)
		assert.Equal(t, order, got)
	}
	_, err := OrderFromNCoeffs(7)
	assert.Error(t, err)
}

func TestY00(t *testing.T) {
	assert.InDelta(t, 0.28209479177387814, Y00, 1e-15)
	for _, b := range []Basis{Descoteaux07, Tournier07} {
		assert.InDelta(t, Y00, RealSH(b, 0, 0, 1.2, -0.4), 1e-15)
	}
}

func TestLegendreKnownValues(t *testing.T) {
	x := 0.3
	assert.InDelta(t, (3*x*x-1)/2, Legendre(0, 2, x), 1e-14)
	assert.InDelta(t, -3*x*math.Sqrt(1-x*x), Legendre(1, 2, x), 1e-14)
	assert.InDelta(t, 3*(1-x*x), Legendre(2, 2, x), 1e-14)
	assert.InDelta(t, (35*math.Pow(x, 4)-30*x*x+3)/8, Legendre(0, 4, x), 1e-14)
}

func TestZonalAtPole(t *testing.T) {
	for _, n := range []int{0, 2, 4, 6, 8} {
		assert.InDelta(t, ZonalAtPole(n), RealSH(Descoteaux07, 0, n, 0, 0), 1e-12)
	}
}

func TestBasisIsOrthonormal(t *testing.T) {
	// Any icosahedrally symmetric point set integrates polynomials up to
	// degree 5 exactly with equal weights, so products of order 2 harmonics
	// are integrated without error.
	s := sphere.Unit(2)
	order := 2
	m, _ := SphHarmIndList(order)
	for _, basis := range []Basis{Descoteaux07, Tournier07} {
		b := Matrix(basis, order, s.Theta(), s.Phi())
		var gram mat.Dense
		gram.Mul(b.T(), b)
		gram.Scale(4*math.Pi/float64(s.Len()), &gram)

		n := NCoeffs(order)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = 1
					if basis == Tournier07 && m[i] != 0 {
						want = 0.5
					}
				}
				assert.InDelta(t, want, gram.At(i, j), 1e-10, "%s gram[%d][%d]", basis, i, j)
			}
		}
	}
}

func TestConvertBasisRoundTrip(t *testing.T) {
	s := sphere.Default()
	order := 6
	n := NCoeffs(order)

	coeffs := [][]float64{make([]float64, n), make([]float64, n)}
	for i := 0; i < n; i++ {
		coeffs[0][i] = float64(i%5) - 2
		coeffs[1][i] = math.Sin(float64(i))
	}

	tour, err := ConvertBasis(coeffs, order, Descoteaux07, Tournier07, s)
	require.NoError(t, err)
	back, err := ConvertBasis(tour, order, Tournier07, Descoteaux07, s)
	require.NoError(t, err)

	for v := range coeffs {
		for i := range coeffs[v] {
			assert.InDelta(t, coeffs[v][i], back[v][i], 1e-8)
		}
	}

	// Both bases evaluate to the same function on the sphere.
	theta, phi := s.Theta(), s.Phi()
	bd := Matrix(Descoteaux07, order, theta, phi)
	bt := Matrix(Tournier07, order, theta, phi)
	var fd, ft mat.VecDense
	fd.MulVec(bd, mat.NewVecDense(n, coeffs[1]))
	ft.MulVec(bt, mat.NewVecDense(n, tour[1]))
	for i := 0; i < s.Len(); i++ {
		assert.InDelta(t, fd.AtVec(i), ft.AtVec(i), 1e-8)
	}
}

func TestConvertBasisOrderZeroIsIdentity(t *testing.T) {
	out, err := ConvertBasis([][]float64{{2.5}}, 0, Descoteaux07, Tournier07, sphere.Unit(1))
	require.NoError(t, err)
	assert.InDelta(t, 2.5, out[0][0], 1e-12)
}

func TestLeastSquares(t *testing.T) {
	a := mat.NewDense(4, 2, []float64{1, 0, 1, 1, 1, 2, 1, 3})
	b := []float64{1, 3, 5, 7}
	x, err := LeastSquares(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1, x[0], 1e-12)
	assert.InDelta(t, 2, x[1], 1e-12)

	// Under-determined systems fall back to the ridge solution.
	u := mat.NewDense(1, 2, []float64{1, 1})
	x, err = LeastSquares(u, []float64{2})
	require.NoError(t, err)
	assert.InDelta(t, 2, x[0]+x[1], 1e-6)
}

func TestParseBasis(t *testing.T) {
	b, err := ParseBasis("tournier07")
	require.NoError(t, err)
	assert.Equal(t, Tournier07, b)
	_, err = ParseBasis("mrtrix")
	assert.Error(t, err)
}
