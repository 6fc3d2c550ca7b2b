package sphere

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// vertex is a sphere vertex that remembers its position in the vertex list.
type vertex struct {
	X, Y, Z float64
	Index   int
}

// Compare implements the kdtree.Comparable interface
func (p vertex) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(vertex)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p vertex) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p vertex) Distance(c kdtree.Comparable) float64 {
	q := c.(vertex)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// vertices satisfies kdtree.Interface
type vertices []vertex

func (p vertices) Index(i int) kdtree.Comparable         { return p[i] }
func (p vertices) Len() int                              { return len(p) }
func (p vertices) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p vertices) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(vertexPlane{vertices: p, Dim: d}, kdtree.MedianOfRandoms(vertexPlane{vertices: p, Dim: d}, 100))
}

// vertexPlane implements sort.Interface and kdtree.SortSlicer
type vertexPlane struct {
	vertices
	kdtree.Dim
}

func (p vertexPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.vertices[i].X < p.vertices[j].X
	case 1:
		return p.vertices[i].Y < p.vertices[j].Y
	case 2:
		return p.vertices[i].Z < p.vertices[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p vertexPlane) Slice(start, end int) kdtree.SortSlicer {
	return vertexPlane{vertices: p.vertices[start:end], Dim: p.Dim}
}

func (p vertexPlane) Swap(i, j int) {
	p.vertices[i], p.vertices[j] = p.vertices[j], p.vertices[i]
}

type vertexTree struct {
	tree *kdtree.Tree
}

// newVertexTree builds the tree over a copy; kdtree.New reorders its input.
func newVertexTree(points [][3]float64) *vertexTree {
	pts := make(vertices, len(points))
	for i, p := range points {
		pts[i] = vertex{X: p[0], Y: p[1], Z: p[2], Index: i}
	}
	return &vertexTree{tree: kdtree.New(pts, false)}
}

func (t *vertexTree) nearest(v [3]float64) (int, float64) {
	got, d := t.tree.Nearest(vertex{X: v[0], Y: v[1], Z: v[2]})
	if got == nil {
		return -1, math.Inf(1)
	}
	return got.(vertex).Index, math.Sqrt(d)
}
