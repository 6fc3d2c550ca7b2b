package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"dmritools/pkg/config"
	"dmritools/pkg/connectivity"
	"dmritools/pkg/reconstruction"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	return runWithConfig(t, filepath.Join(t.TempDir(), "none.yaml"), args...)
}

func runWithConfig(t *testing.T, configPath string, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(append([]string{"--config", configPath}, args...))
	return root.Execute()
}

func TestNotAllWithoutOutputsFailsBeforeIO(t *testing.T) {
	dir := t.TempDir()
	missing := func(name string) string { return filepath.Join(dir, name) }

	err := run(t, "compute-memsmt-fodf", missing("wm.txt"), missing("gm.txt"), missing("csf.txt"),
		"--input_linear", missing("dwi.nii.gz"),
		"--bvals_linear", missing("dwi.bval"),
		"--bvecs_linear", missing("dwi.bvec"),
		"--not_all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, reconstruction.ErrNoOutputs), err.Error())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The configuration is not read either: an invalid one goes unnoticed.
	badConfig := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badConfig, []byte("reconstruction:\n  shOrder: 7\n"), 0644))
	err = runWithConfig(t, badConfig, "compute-memsmt-fodf", "wm.txt", "gm.txt", "csf.txt", "--not_all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, reconstruction.ErrNoOutputs), err.Error())

	err = runWithConfig(t, badConfig, "compute-memsmt-fodf", "wm.txt", "gm.txt", "csf.txt", "--not_all", "--vf", "vf.nii.gz")
	require.Error(t, err)
	assert.False(t, errors.Is(err, reconstruction.ErrNoOutputs))
}

func TestMemsmtRequiresThreeResponses(t *testing.T) {
	assert.Error(t, run(t, "compute-memsmt-fodf", "wm.txt", "gm.txt"))
}

func TestMemsmtMissingInputs(t *testing.T) {
	dir := t.TempDir()
	err := run(t, "compute-memsmt-fodf", "wm.txt", "gm.txt", "csf.txt",
		"--not_all", "--vf", filepath.Join(dir, "vf.nii.gz"),
		"--input_custom", "dwi.nii.gz", "--bvals_custom", "dwi.bval", "--bvecs_custom", "dwi.bvec")
	require.Error(t, err)
	// A custom acquisition without --bdelta_custom is refused.
	assert.Contains(t, err.Error(), "custom acquisition requires a b-delta")
}

func TestMemsmtConfigDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reconstruction.SHOrder = 6
	cfg.Reconstruction.SHBasis = "tournier07"
	cfg.Fit.MaxIterations = 7
	a := &app{cfg: cfg, logger: zap.NewNop()}

	cmd, o := memsmtCommand(a)
	require.NoError(t, cmd.ParseFlags([]string{"--tolerance", "40", "--input_planar", "p.nii", "--bvals_planar", "p.bval", "--bvecs_planar", "p.bvec"}))
	p, err := o.params(cmd, a, []string{"wm", "gm", "csf"})
	require.NoError(t, err)

	assert.Equal(t, 6, p.SHOrder)
	assert.Equal(t, "tournier07", string(p.SHBasis))
	assert.Equal(t, 40.0, p.Tolerance)
	assert.Equal(t, 7, p.Fit.MaxIterations)
	assert.Equal(t, 642, p.Sphere.Len())
	require.Len(t, p.Acquisitions, 1)
	assert.Equal(t, -0.5, p.Acquisitions[0].EffectiveBDelta())

	cmd, o = memsmtCommand(a)
	require.NoError(t, cmd.ParseFlags([]string{"--sh_order", "4"}))
	p, err = o.params(cmd, a, []string{"wm", "gm", "csf"})
	require.NoError(t, err)
	assert.Equal(t, 4, p.SHOrder)
}

func TestFilterConnectivityCmd(t *testing.T) {
	dir := t.TempDir()
	sc := filepath.Join(dir, "sc.npy")
	length := filepath.Join(dir, "len.txt")
	require.NoError(t, connectivity.SaveMatrix(sc, mat.NewDense(2, 2, []float64{0, 10, 6, 1})))
	require.NoError(t, connectivity.SaveMatrix(length, mat.NewDense(2, 2, []float64{0, 40, 0, 80})))

	out := filepath.Join(dir, "mask.npy")
	require.NoError(t, run(t, "filter-connectivity", out,
		"--greater_than", sc+",5,1",
		"--greater_than", length+",0,1",
		"--keep_condition_count"))

	got, err := connectivity.LoadMatrix(out)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 1, 1}, got.RawMatrix().Data)

	// Existing output without -f.
	assert.Error(t, run(t, "filter-connectivity", out, "--greater_than", sc+",5,1"))
	require.NoError(t, run(t, "filter-connectivity", out, "-f", "--greater_than", sc+",5,1"))

	assert.Error(t, run(t, "filter-connectivity", filepath.Join(dir, "none.npy")))
}

func TestConfigInitCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "dmritools.yaml")
	require.NoError(t, run(t, "config-init", path))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Reconstruction.SHOrder, cfg.Reconstruction.SHOrder)

	assert.Error(t, run(t, "config-init", path))
	assert.NoError(t, run(t, "config-init", path, "-f"))
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"compute-memsmt-fodf", "filter-connectivity", "config-init"})
}
