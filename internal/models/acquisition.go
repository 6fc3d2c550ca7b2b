package models

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrInvalidAcquisition is returned when an acquisition set cannot be used.
var ErrInvalidAcquisition = errors.New("invalid acquisition")

// Geometry identifies the gradient-encoding shape of an acquisition.
type Geometry int

const (
	Linear Geometry = iota
	Planar
	Spherical
	Custom
)

// Geometries lists every geometry in the order acquisitions are concatenated.
var Geometries = []Geometry{Linear, Planar, Spherical, Custom}

func (g Geometry) String() string {
	switch g {
	case Linear:
		return "linear"
	case Planar:
		return "planar"
	case Spherical:
		return "spherical"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("geometry(%d)", int(g))
	}
}

// DefaultBDelta returns the b-delta fixed by the geometry. Custom has none.
func (g Geometry) DefaultBDelta() (float64, bool) {
	switch g {
	case Linear:
		return 1, true
	case Planar:
		return -0.5, true
	case Spherical:
		return 0, true
	default:
		return 0, false
	}
}

// CustomBDeltas are the b-delta values accepted for a custom acquisition.
var CustomBDeltas = []float64{0, 1, -0.5, 0.5}

// Acquisition is one diffusion series acquired with a single encoding
// geometry.
type Acquisition struct {
	Geometry Geometry

	// BDelta is the encoding shape. It is ignored for the fixed geometries.
	BDelta float64

	// HasBDelta records whether BDelta was supplied for a custom acquisition.
	HasBDelta bool

	VolumePath string
	BvalsPath  string
	BvecsPath  string
}

// EffectiveBDelta returns the b-delta used for every shell of the acquisition.
func (a Acquisition) EffectiveBDelta() float64 {
	if d, ok := a.Geometry.DefaultBDelta(); ok {
		return d
	}
	return a.BDelta
}

// Empty reports whether none of the three input paths are set.
func (a Acquisition) Empty() bool {
	return a.VolumePath == "" && a.BvalsPath == "" && a.BvecsPath == ""
}

// Validate checks a single acquisition.
func (a Acquisition) Validate() error {
	var err error
	if a.VolumePath == "" {
		err = multierr.Append(err, fmt.Errorf("%w: %s acquisition is missing its volume", ErrInvalidAcquisition, a.Geometry))
	}
	if a.BvalsPath == "" {
		err = multierr.Append(err, fmt.Errorf("%w: %s acquisition is missing its bvals", ErrInvalidAcquisition, a.Geometry))
	}
	if a.BvecsPath == "" {
		err = multierr.Append(err, fmt.Errorf("%w: %s acquisition is missing its bvecs", ErrInvalidAcquisition, a.Geometry))
	}
	if a.Geometry == Custom {
		if !a.HasBDelta {
			err = multierr.Append(err, fmt.Errorf("%w: custom acquisition requires a b-delta", ErrInvalidAcquisition))
		} else if !isCustomBDelta(a.BDelta) {
			err = multierr.Append(err, fmt.Errorf("%w: custom b-delta %g is not one of %v",
				ErrInvalidAcquisition, a.BDelta, CustomBDeltas))
		}
	}
	return err
}

func isCustomBDelta(v float64) bool {
	for _, c := range CustomBDeltas {
		if v == c {
			return true
		}
	}
	return false
}

// AcquisitionSet is the collection of acquisitions for one reconstruction.
type AcquisitionSet []Acquisition

// Validate checks the set as a whole and reports every problem at once.
func (s AcquisitionSet) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: at least one acquisition is required", ErrInvalidAcquisition)
	}

	var err error
	seen := make(map[Geometry]bool)
	for _, a := range s {
		if seen[a.Geometry] {
			err = multierr.Append(err, fmt.Errorf("%w: %s acquisition given more than once", ErrInvalidAcquisition, a.Geometry))
		}
		seen[a.Geometry] = true
		err = multierr.Append(err, a.Validate())
	}
	return err
}

// Ordered returns the acquisitions sorted by geometry.
func (s AcquisitionSet) Ordered() AcquisitionSet {
	out := make(AcquisitionSet, 0, len(s))
	for _, g := range Geometries {
		for _, a := range s {
			if a.Geometry == g {
				out = append(out, a)
			}
		}
	}
	return out
}
