package models

import (
	"errors"
	"testing"

	"go.uber.org/multierr"
)

func full(g Geometry) Acquisition {
	return Acquisition{
		Geometry:   g,
		VolumePath: g.String() + ".nii.gz",
		BvalsPath:  g.String() + ".bval",
		BvecsPath:  g.String() + ".bvec",
	}
}

func TestAcquisitionSetValidate(t *testing.T) {
	custom := full(Custom)
	custom.BDelta, custom.HasBDelta = 0.5, true

	badCustom := full(Custom)
	badCustom.BDelta, badCustom.HasBDelta = 0.25, true

	partial := full(Planar)
	partial.BvecsPath = ""

	tests := []struct {
		name    string
		set     AcquisitionSet
		wantErr bool
		nErrs   int
	}{
		{"linear only", AcquisitionSet{full(Linear)}, false, 0},
		{"all geometries", AcquisitionSet{full(Linear), full(Planar), full(Spherical), custom}, false, 0},
		{"empty", AcquisitionSet{}, true, 1},
		{"duplicate", AcquisitionSet{full(Linear), full(Linear)}, true, 1},
		{"partial triple", AcquisitionSet{partial}, true, 1},
		{"custom without delta", AcquisitionSet{full(Custom)}, true, 1},
		{"custom bad delta", AcquisitionSet{badCustom}, true, 1},
		{"several problems", AcquisitionSet{partial, badCustom, full(Custom)}, true, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrInvalidAcquisition) {
				t.Errorf("expected ErrInvalidAcquisition, got %v", err)
			}
			if got := len(multierr.Errors(err)); got != tt.nErrs {
				t.Errorf("expected %d errors, got %d: %v", tt.nErrs, got, err)
			}
		})
	}
}

func TestEffectiveBDelta(t *testing.T) {
	custom := full(Custom)
	custom.BDelta, custom.HasBDelta = -0.5, true

	want := map[Geometry]float64{Linear: 1, Planar: -0.5, Spherical: 0, Custom: -0.5}
	for _, a := range (AcquisitionSet{full(Linear), full(Planar), full(Spherical), custom}) {
		if got := a.EffectiveBDelta(); got != want[a.Geometry] {
			t.Errorf("%s: expected b-delta %g, got %g", a.Geometry, want[a.Geometry], got)
		}
	}
}

func TestOrdered(t *testing.T) {
	set := AcquisitionSet{full(Spherical), full(Linear), full(Planar)}
	got := set.Ordered()
	for i, g := range []Geometry{Linear, Planar, Spherical} {
		if got[i].Geometry != g {
			t.Errorf("position %d: expected %s, got %s", i, g, got[i].Geometry)
		}
	}
}

func TestConcatenate(t *testing.T) {
	a := NewVolume(2, 1, 1, 2, [4][4]float64{})
	b := NewVolume(2, 1, 1, 1, [4][4]float64{})
	copy(a.Data, []float64{1, 2, 3, 4})
	copy(b.Data, []float64{5, 6})

	out, err := Concatenate(a, b)
	if err != nil {
		t.Fatalf("Concatenate failed: %v", err)
	}
	want := []float64{1, 2, 5, 3, 4, 6}
	for i := range want {
		if out.Data[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out.Data)
		}
	}

	c := NewVolume(1, 2, 1, 1, [4][4]float64{})
	if _, err := Concatenate(a, c); err == nil {
		t.Error("expected shape mismatch error")
	}
}
