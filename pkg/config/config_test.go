package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8, cfg.Reconstruction.SHOrder)
	assert.Equal(t, 20.0, cfg.Reconstruction.Tolerance)
	assert.Equal(t, "descoteaux07", cfg.Reconstruction.SHBasis)
	assert.Equal(t, 3, cfg.Sphere.Subdivisions)
	assert.Positive(t, cfg.Reconstruction.Processes)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Reconstruction.SHOrder, cfg.Reconstruction.SHOrder)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dmritools.yaml")

	cfg := DefaultConfig()
	cfg.Reconstruction.SHOrder = 6
	cfg.Reconstruction.SHBasis = "tournier07"
	cfg.Fit.MaxIterations = 10
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Reconstruction.SHOrder)
	assert.Equal(t, "tournier07", loaded.Reconstruction.SHBasis)
	assert.Equal(t, 10, loaded.Fit.MaxIterations)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconstruction:\n  shOrder: 4\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Reconstruction.SHOrder)
	assert.Equal(t, 20.0, cfg.Reconstruction.Tolerance)
	assert.Equal(t, 0, cfg.Fit.MaxIterations)
	assert.Equal(t, 1e-6, cfg.Fit.Tolerance)
}

func TestInvalidValuesRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconstruction:\n  shOrder: 7\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("fit:\n  tolerance: 0\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
