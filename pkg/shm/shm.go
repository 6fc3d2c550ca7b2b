// Package shm evaluates real, symmetric spherical harmonic bases and moves
// coefficients between them.
package shm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Basis names a real spherical harmonics convention.
type Basis string

const (
	// Descoteaux07 is the legacy basis of Descoteaux et al. 2007: sqrt(2)
	// scaled imaginary parts for m > 0 and real parts of |m| for m < 0.
	Descoteaux07 Basis = "descoteaux07"

	// Tournier07 is the legacy basis of Tournier et al. 2007: imaginary parts
	// for m < 0, real parts otherwise, without sqrt(2) scaling.
	Tournier07 Basis = "tournier07"
)

// ParseBasis validates a basis name.
func ParseBasis(s string) (Basis, error) {
	switch Basis(s) {
	case Descoteaux07, Tournier07:
		return Basis(s), nil
	default:
		return "", fmt.Errorf("unknown SH basis %q (expected %s or %s)", s, Descoteaux07, Tournier07)
	}
}

// Y00 is the value of the degree 0 harmonic, 1/(2*sqrt(pi)).
var Y00 = 0.5 / math.Sqrt(math.Pi)

// NCoeffs returns the number of even-degree coefficients up to order.
func NCoeffs(order int) int {
	return (order + 1) * (order + 2) / 2
}

// OrderFromNCoeffs inverts NCoeffs.
func OrderFromNCoeffs(n int) (int, error) {
	order := int(math.Round((math.Sqrt(1+8*float64(n)) - 3) / 2))
	if order < 0 || order%2 != 0 || NCoeffs(order) != n {
		return 0, fmt.Errorf("%d coefficients do not form a symmetric SH series", n)
	}
	return order, nil
}

// ValidateOrder rejects odd or negative orders.
func ValidateOrder(order int) error {
	if order < 0 || order%2 != 0 {
		return fmt.Errorf("SH order must be a non-negative even number, got %d", order)
	}
	return nil
}

// SphHarmIndList returns the degree m and order n of every coefficient of an
// even series, n = 0, 2, ..., order and m = -n..n.
func SphHarmIndList(order int) (m, n []int) {
	for l := 0; l <= order; l += 2 {
		for k := -l; k <= l; k++ {
			m = append(m, k)
			n = append(n, l)
		}
	}
	return m, n
}

// Legendre returns the associated Legendre function P_n^m(x), m >= 0,
// including the Condon-Shortley phase.
func Legendre(m, n int, x float64) float64 {
	if m < 0 || m > n {
		return 0
	}
	pmm := 1.0
	if m > 0 {
		s := math.Sqrt((1 - x) * (1 + x))
		fact := 1.0
		for i := 1; i <= m; i++ {
			pmm *= -fact * s
			fact += 2
		}
	}
	if n == m {
		return pmm
	}
	pmmp1 := x * float64(2*m+1) * pmm
	if n == m+1 {
		return pmmp1
	}
	var pll float64
	for l := m + 2; l <= n; l++ {
		pll = (x*float64(2*l-1)*pmmp1 - float64(l+m-1)*pmm) / float64(l-m)
		pmm, pmmp1 = pmmp1, pll
	}
	return pll
}

// normalization returns sqrt((2n+1)/(4 pi) (n-m)!/(n+m)!).
func normalization(m, n int) float64 {
	lg1, _ := math.Lgamma(float64(n - m + 1))
	lg2, _ := math.Lgamma(float64(n + m + 1))
	return math.Sqrt(float64(2*n+1) / (4 * math.Pi) * math.Exp(lg1-lg2))
}

// RealSH evaluates one real harmonic at polar angle theta and azimuth phi.
func RealSH(basis Basis, m, n int, theta, phi float64) float64 {
	am := m
	if am < 0 {
		am = -am
	}
	base := normalization(am, n) * Legendre(am, n, math.Cos(theta))

	switch basis {
	case Tournier07:
		if m < 0 {
			return base * math.Sin(float64(am)*phi)
		}
		return base * math.Cos(float64(am)*phi)
	default:
		switch {
		case m > 0:
			return math.Sqrt2 * base * math.Sin(float64(am)*phi)
		case m < 0:
			return math.Sqrt2 * base * math.Cos(float64(am)*phi)
		default:
			return base
		}
	}
}

// Matrix evaluates the full even basis up to order at every direction. The
// result has one row per direction and one column per coefficient.
func Matrix(basis Basis, order int, theta, phi []float64) *mat.Dense {
	m, n := SphHarmIndList(order)
	out := mat.NewDense(len(theta), len(m), nil)
	for i := range theta {
		for j := range m {
			out.Set(i, j, RealSH(basis, m[j], n[j], theta[i], phi[i]))
		}
	}
	return out
}

// ZonalMatrix evaluates only the m = 0 harmonics n = 0, 2, ..., order.
func ZonalMatrix(order int, theta []float64) *mat.Dense {
	cols := order/2 + 1
	out := mat.NewDense(len(theta), cols, nil)
	for i, th := range theta {
		for j := 0; j < cols; j++ {
			out.Set(i, j, RealSH(Descoteaux07, 0, 2*j, th, 0))
		}
	}
	return out
}

// ZonalAtPole returns Y_n^0 at theta = 0, the SH expansion of a dirac along z.
func ZonalAtPole(n int) float64 {
	return math.Sqrt(float64(2*n+1) / (4 * math.Pi))
}
