// Package sphere provides discrete samplings of the unit sphere used to
// evaluate and constrain spherical functions.
package sphere

import (
	"fmt"
	"math"
)

// DefaultSubdivisions is the icosahedron subdivision level of Default.
const DefaultSubdivisions = 3

// Sphere is a triangulated set of unit vectors.
type Sphere struct {
	Vertices [][3]float64
	Faces    [][3]int

	tree *vertexTree
}

// Icosahedron returns the 12-vertex regular icosahedron.
func Icosahedron() *Sphere {
	p := (1 + math.Sqrt(5)) / 2
	raw := [][3]float64{
		{-1, p, 0}, {1, p, 0}, {-1, -p, 0}, {1, -p, 0},
		{0, -1, p}, {0, 1, p}, {0, -1, -p}, {0, 1, -p},
		{p, 0, -1}, {p, 0, 1}, {-p, 0, -1}, {-p, 0, 1},
	}
	faces := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}
	vertices := make([][3]float64, len(raw))
	for i, v := range raw {
		vertices[i] = normalize(v)
	}
	return &Sphere{Vertices: vertices, Faces: faces}
}

// Unit returns the icosahedron subdivided the given number of times.
func Unit(subdivisions int) *Sphere {
	return Icosahedron().Subdivide(subdivisions)
}

// Default returns the sphere used when none is configured: the icosahedron
// subdivided DefaultSubdivisions times (642 vertices).
func Default() *Sphere {
	return Unit(DefaultSubdivisions)
}

// FromVertices builds a sphere without faces. Vertices are normalised.
func FromVertices(vertices [][3]float64) (*Sphere, error) {
	out := make([][3]float64, len(vertices))
	for i, v := range vertices {
		if norm(v) == 0 {
			return nil, fmt.Errorf("vertex %d has zero length", i)
		}
		out[i] = normalize(v)
	}
	return &Sphere{Vertices: out}, nil
}

// Subdivide splits every face into four, n times. Edge midpoints are shared
// between neighbouring faces and projected back onto the sphere.
func (s *Sphere) Subdivide(n int) *Sphere {
	vertices := append([][3]float64(nil), s.Vertices...)
	faces := append([][3]int(nil), s.Faces...)

	for level := 0; level < n; level++ {
		midpoints := make(map[[2]int]int, len(faces)*3/2)
		midpoint := func(a, b int) int {
			key := [2]int{a, b}
			if b < a {
				key = [2]int{b, a}
			}
			if idx, ok := midpoints[key]; ok {
				return idx
			}
			va, vb := vertices[a], vertices[b]
			vertices = append(vertices, normalize([3]float64{
				(va[0] + vb[0]) / 2, (va[1] + vb[1]) / 2, (va[2] + vb[2]) / 2,
			}))
			midpoints[key] = len(vertices) - 1
			return len(vertices) - 1
		}

		next := make([][3]int, 0, len(faces)*4)
		for _, f := range faces {
			ab := midpoint(f[0], f[1])
			bc := midpoint(f[1], f[2])
			ca := midpoint(f[2], f[0])
			next = append(next,
				[3]int{f[0], ab, ca},
				[3]int{f[1], bc, ab},
				[3]int{f[2], ca, bc},
				[3]int{ab, bc, ca},
			)
		}
		faces = next
	}

	return &Sphere{Vertices: vertices, Faces: faces}
}

// Len returns the number of vertices.
func (s *Sphere) Len() int { return len(s.Vertices) }

// Theta returns the polar angle of every vertex.
func (s *Sphere) Theta() []float64 {
	out := make([]float64, len(s.Vertices))
	for i, v := range s.Vertices {
		_, out[i], _ = Cart2Sphere(v)
	}
	return out
}

// Phi returns the azimuth of every vertex.
func (s *Sphere) Phi() []float64 {
	out := make([]float64, len(s.Vertices))
	for i, v := range s.Vertices {
		_, _, out[i] = Cart2Sphere(v)
	}
	return out
}

// Scaled returns the vertices multiplied by k.
func (s *Sphere) Scaled(k float64) [][3]float64 {
	out := make([][3]float64, len(s.Vertices))
	for i, v := range s.Vertices {
		out[i] = [3]float64{v[0] * k, v[1] * k, v[2] * k}
	}
	return out
}

// Nearest returns the index of the vertex closest to v and its Euclidean
// distance.
func (s *Sphere) Nearest(v [3]float64) (int, float64) {
	if s.tree == nil {
		s.tree = newVertexTree(s.Vertices)
	}
	return s.tree.nearest(v)
}

// Hemisphere keeps one vertex of every antipodal pair. Vertices without an
// antipode are kept. Faces are dropped.
func (s *Sphere) Hemisphere() *Sphere {
	const tol = 1e-8
	tree := newVertexTree(s.Vertices)
	removed := make([]bool, len(s.Vertices))
	var kept [][3]float64
	for i, v := range s.Vertices {
		if removed[i] {
			continue
		}
		kept = append(kept, v)
		j, d := tree.nearest([3]float64{-v[0], -v[1], -v[2]})
		if j != i && d < tol {
			removed[j] = true
		}
	}
	return &Sphere{Vertices: kept}
}

// Cart2Sphere converts a cartesian vector to radius, polar angle and azimuth.
// The zero vector maps to (0, 0, 0).
func Cart2Sphere(v [3]float64) (r, theta, phi float64) {
	r = norm(v)
	if r == 0 {
		return 0, 0, 0
	}
	theta = math.Acos(math.Max(-1, math.Min(1, v[2]/r)))
	phi = math.Atan2(v[1], v[0])
	return r, theta, phi
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func normalize(v [3]float64) [3]float64 {
	n := norm(v)
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
