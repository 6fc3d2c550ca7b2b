package connectivity

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"dmritools/internal/textio"
)

// LoadMatrix reads a connectivity matrix from a .npy file or, for any other
// extension, a whitespace separated text file.
func LoadMatrix(path string) (*mat.Dense, error) {
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var m mat.Dense
		if err := npyio.Read(f, &m); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return &m, nil
	}

	rows, err := textio.ReadTableFile(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: empty matrix", path)
	}
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		if len(r) != len(rows[0]) {
			return nil, fmt.Errorf("%s: row %d has %d columns, expected %d", path, i, len(r), len(rows[0]))
		}
		m.SetRow(i, r)
	}
	return m, nil
}

// SaveMatrix writes m to a .npy file or, for any other extension, a text
// file with one row per line.
func SaveMatrix(path string, m mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(path), ".npy") {
		if err := npyio.Write(f, m); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		return f.Close()
	}

	w := bufio.NewWriter(f)
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				w.WriteByte(' ')
			}
			w.WriteString(strconv.FormatFloat(m.At(i, j), 'g', -1, 64))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
