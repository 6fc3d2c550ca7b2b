package textio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTable(t *testing.T) {
	in := `# eigenvalues and S0
1.7e-3 0.3e-3 0.3e-3 500

1.5e-3,0.4e-3,0.4e-3,400
0	1000	2000
`
	rows, err := ReadTable(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []float64{1.7e-3, 0.3e-3, 0.3e-3, 500}, rows[0])
	assert.Equal(t, []float64{1.5e-3, 0.4e-3, 0.4e-3, 400}, rows[1])
	assert.Equal(t, []float64{0, 1000, 2000}, rows[2])
	assert.Equal(t, 11, len(Flatten(rows)))
}

func TestReadTableBadValue(t *testing.T) {
	_, err := ReadTable(strings.NewReader("1 2\n3 x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bvals")
	require.NoError(t, os.WriteFile(path, []byte("0 1000 1000\n"), 0o644))

	rows, err := ReadTableFile(path)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1000, 1000}}, rows)

	_, err = ReadTableFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
