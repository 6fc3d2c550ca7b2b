package response

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dmritools/pkg/gradients"
	"dmritools/pkg/shm"
	"dmritools/pkg/sphere"
)

var (
	wmRow  = []float64{1.7e-3, 0.3e-3, 0.3e-3, 800}
	gmRow  = []float64{0.8e-3, 0.8e-3, 0.8e-3, 600}
	csfRow = []float64{3.0e-3, 3.0e-3, 3.0e-3, 1500}
)

func frfs(t *testing.T, rows int) (*FRF, *FRF, *FRF) {
	t.Helper()
	build := func(tissue Tissue, row []float64) *FRF {
		table := make([][]float64, rows)
		for i := range table {
			table[i] = append([]float64(nil), row...)
		}
		f, err := NewFRF(tissue, table)
		require.NoError(t, err)
		return f
	}
	return build(WM, wmRow), build(GM, gmRow), build(CSF, csfRow)
}

func TestSingleTensorBTensorRejectsBadBDelta(t *testing.T) {
	table := gradients.FromGradients(sphere.Unit(1).Scaled(1000), 1)
	for _, d := range []float64{-0.6, 1.01, 2, math.NaN()} {
		out, err := SingleTensorBTensor(table, [3]float64{1.7e-3, 0.3e-3, 0.3e-3}, d, 1)
		assert.Nil(t, out)
		assert.True(t, errors.Is(err, ErrInvalidBDelta), "b-delta %g: %v", d, err)
	}
}

func TestSingleTensorBTensorSphericalIsIsotropic(t *testing.T) {
	s := sphere.Unit(2)
	table := gradients.FromGradients(s.Scaled(2000), 0)
	signal, err := SingleTensorBTensor(table, [3]float64{1.7e-3, 0.3e-3, 0.3e-3}, 0, 100)
	require.NoError(t, err)
	require.Len(t, signal, s.Len())

	want := 100 * math.Exp(-2000*(2.3e-3/3))
	for i, v := range signal {
		assert.InDelta(t, want, v, 1e-9, "direction %d", i)
	}
}

func TestSingleTensorBTensorLinearIsAnisotropic(t *testing.T) {
	table := &gradients.Table{
		Bvals: []float64{1000, 1000, 0},
		Bvecs: [][3]float64{{0, 0, 1}, {1, 0, 0}, {0, 0, 0}},
	}
	evals := [3]float64{0.3e-3, 1.7e-3, 0.3e-3}
	signal, err := SingleTensorBTensor(table, evals, 1, 1)
	require.NoError(t, err)

	// Linear encoding recovers the classical tensor signal along and across
	// the principal axis.
	assert.InDelta(t, math.Exp(-1000*1.7e-3), signal[0], 1e-12)
	assert.InDelta(t, math.Exp(-1000*0.3e-3), signal[1], 1e-12)
	assert.Equal(t, 1.0, signal[2])
}

func TestNewFRF(t *testing.T) {
	f, err := NewFRF(WM, [][]float64{wmRow})
	require.NoError(t, err)
	assert.True(t, f.Broadcast())
	assert.Equal(t, 800.0, f.Row(5).S0)

	for _, tissue := range []Tissue{WM, GM, CSF} {
		_, err := NewFRF(tissue, [][]float64{{1.7e-3, 0.3e-3, 800}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrFRFFormat))
		assert.True(t, strings.Contains(err.Error(), tissue.String()+" frf file did not contain 4 elements"), err.Error())
	}
}

func TestLoadFRF(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "wm.txt")
	require.NoError(t, os.WriteFile(single, []byte("0.0017 0.0003 0.0003 800\n"), 0644))
	f, err := LoadFRF(single, WM)
	require.NoError(t, err)
	require.Len(t, f.Rows, 1)
	assert.Equal(t, [3]float64{0.0017, 0.0003, 0.0003}, f.Rows[0].Evals)

	multi := filepath.Join(dir, "gm.txt")
	require.NoError(t, os.WriteFile(multi, []byte("# gm\n0.0008 0.0008 0.0008 600\n0.0007 0.0007 0.0007 590\n"), 0644))
	f, err = LoadFRF(multi, GM)
	require.NoError(t, err)
	assert.Len(t, f.Rows, 2)

	bad := filepath.Join(dir, "csf.txt")
	require.NoError(t, os.WriteFile(bad, []byte("0.003 0.003 1500\n"), 0644))
	_, err = LoadFRF(bad, CSF)
	assert.True(t, errors.Is(err, ErrFRFFormat))
}

func TestMultiShellFiberResponseB0Row(t *testing.T) {
	wm, gm, csf := frfs(t, 1)
	r, err := MultiShellFiberResponse(EstimatorParams{
		SHOrder:   4,
		Bvals:     []float64{0, 1000, 2000},
		WM:        wm,
		GM:        gm,
		CSF:       csf,
		Sphere:    sphere.Unit(2),
		Tolerance: 20,
	})
	require.NoError(t, err)

	rows, cols := r.Response.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2+3, cols)
	assert.Equal(t, [3]float64{1500, 600, 800}, r.S0)

	// b0 row: isotropic compartments are S0 / Y00, the WM signal is constant.
	assert.InDelta(t, csfRow[3]/shm.Y00, r.Response.At(0, 0), 1e-9)
	assert.InDelta(t, gmRow[3]/shm.Y00, r.Response.At(0, 1), 1e-9)
	assert.InDelta(t, wmRow[3]/shm.Y00, r.Response.At(0, 2), 1e-6)
	assert.InDelta(t, 0, r.Response.At(0, 3), 1e-6)
	assert.InDelta(t, 0, r.Response.At(0, 4), 1e-6)

	// Weighted rows decay exponentially.
	for i, b := range []float64{1000, 2000} {
		assert.InDelta(t, gmRow[3]*math.Exp(-b*gmRow[0])/shm.Y00, r.Response.At(i+1, 1), 1e-9)
		assert.InDelta(t, csfRow[3]*math.Exp(-b*csfRow[0])/shm.Y00, r.Response.At(i+1, 0), 1e-9)
		// Linear encoding of a prolate tensor has a negative n = 2 term.
		assert.Less(t, r.Response.At(i+1, 3), 0.0)
	}
}

func TestMultiShellFiberResponseB0IndependentOfShells(t *testing.T) {
	wm, gm, csf := frfs(t, 1)
	params := EstimatorParams{SHOrder: 2, WM: wm, GM: gm, CSF: csf, Sphere: sphere.Unit(1), Tolerance: 20}

	params.Bvals = []float64{0, 1000}
	a, err := MultiShellFiberResponse(params)
	require.NoError(t, err)
	params.Bvals = []float64{10, 3000}
	b, err := MultiShellFiberResponse(params)
	require.NoError(t, err)

	assert.Equal(t, a.Response.At(0, 0), b.Response.At(0, 0))
	assert.Equal(t, a.Response.At(0, 1), b.Response.At(0, 1))
}

func TestMultiShellFiberResponseSphericalShellHasNoAnisotropy(t *testing.T) {
	wm, gm, csf := frfs(t, 1)
	r, err := MultiShellFiberResponse(EstimatorParams{
		SHOrder:   4,
		Bvals:     []float64{0, 2000},
		BDeltas:   []float64{0},
		WM:        wm,
		GM:        gm,
		CSF:       csf,
		Sphere:    sphere.Unit(2),
		Tolerance: 20,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0, r.Response.At(1, 3), 1e-9)
	assert.InDelta(t, 0, r.Response.At(1, 4), 1e-9)
}

func TestMultiShellFiberResponseNoB0Warns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	wm, gm, csf := frfs(t, 2)
	gm.Rows[1].Evals[0] = 0.5e-3

	r, err := MultiShellFiberResponse(EstimatorParams{
		SHOrder:   2,
		Bvals:     []float64{1000, 2000},
		WM:        wm,
		GM:        gm,
		CSF:       csf,
		Sphere:    sphere.Unit(1),
		Tolerance: 20,
		Logger:    zap.New(core),
	})
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("No b0 was given. Proceeding either way.").Len())

	// Each shell decays with the first eigenvalue of its own row.
	assert.InDelta(t, 600*math.Exp(-1000*0.8e-3)/shm.Y00, r.Response.At(0, 1), 1e-9)
	assert.InDelta(t, 600*math.Exp(-2000*0.5e-3)/shm.Y00, r.Response.At(1, 1), 1e-9)
	assert.Equal(t, []float64{1, 1}, r.BDeltas)
}

func TestMultiShellFiberResponseErrors(t *testing.T) {
	wm, gm, csf := frfs(t, 2)
	base := EstimatorParams{SHOrder: 4, Bvals: []float64{0, 1000, 2000}, WM: wm, GM: gm, CSF: csf,
		Sphere: sphere.Unit(1), Tolerance: 20}

	odd := base
	odd.SHOrder = 3
	_, err := MultiShellFiberResponse(odd)
	assert.Error(t, err)

	deltas := base
	deltas.BDeltas = []float64{1}
	_, err = MultiShellFiberResponse(deltas)
	assert.Error(t, err)

	badDelta := base
	badDelta.BDeltas = []float64{1, 1.5}
	_, err = MultiShellFiberResponse(badDelta)
	assert.True(t, errors.Is(err, ErrInvalidBDelta))

	short := base
	short.Bvals = []float64{0, 1000, 2000, 3000}
	_, err = MultiShellFiberResponse(short)
	assert.True(t, errors.Is(err, ErrFRFFormat))
}
