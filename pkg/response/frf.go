// Package response builds the fiber response functions of the white matter,
// gray matter and cerebrospinal fluid compartments.
package response

import (
	"errors"
	"fmt"

	"dmritools/internal/textio"
)

// ErrFRFFormat is returned for response files that do not hold 4 columns.
var ErrFRFFormat = errors.New("invalid FRF format")

// Tissue identifies a compartment.
type Tissue int

const (
	WM Tissue = iota
	GM
	CSF
)

func (t Tissue) String() string {
	switch t {
	case WM:
		return "WM"
	case GM:
		return "GM"
	case CSF:
		return "CSF"
	default:
		return fmt.Sprintf("tissue(%d)", int(t))
	}
}

// Row is one line of a response file: three tensor eigenvalues and the
// unweighted signal.
type Row struct {
	Evals [3]float64
	S0    float64
}

// FRF is the response function of one tissue, one row per shell. A single
// row applies to every shell.
type FRF struct {
	Tissue Tissue
	Rows   []Row
}

// Broadcast reports whether the single row serves every shell.
func (f *FRF) Broadcast() bool { return len(f.Rows) == 1 }

// Row returns the row of shell i.
func (f *FRF) Row(i int) Row {
	if f.Broadcast() {
		return f.Rows[0]
	}
	return f.Rows[i]
}

// NewFRF checks the shape of a parsed table. A single row is a (1, 4) table.
func NewFRF(tissue Tissue, table [][]float64) (*FRF, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: %s frf file is empty", ErrFRFFormat, tissue)
	}
	frf := &FRF{Tissue: tissue, Rows: make([]Row, len(table))}
	for i, r := range table {
		if len(r) != 4 {
			return nil, fmt.Errorf("%w: %s frf file did not contain 4 elements. Invalid or deprecated FRF format (row %d has %d)",
				ErrFRFFormat, tissue, i, len(r))
		}
		frf.Rows[i] = Row{Evals: [3]float64{r[0], r[1], r[2]}, S0: r[3]}
	}
	return frf, nil
}

// LoadFRF reads a whitespace separated response file.
func LoadFRF(path string, tissue Tissue) (*FRF, error) {
	table, err := textio.ReadTableFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s frf: %w", tissue, err)
	}
	return NewFRF(tissue, table)
}
