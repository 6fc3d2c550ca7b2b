// Package reconstruction fits multi-shell multi-tissue constrained spherical
// deconvolution models on b-tensor encoded diffusion data.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dmritools/internal/logging"
	"dmritools/internal/models"
	"dmritools/pkg/gradients"
	"dmritools/pkg/nifti"
	"dmritools/pkg/response"
	"dmritools/pkg/shm"
	"dmritools/pkg/sphere"
	"dmritools/pkg/visualization"
)

var (
	// ErrNoOutputs is returned when only selected outputs are requested
	// and none is given.
	ErrNoOutputs = errors.New("when using --not_all, you need to specify at least one file to output")

	// ErrOutputExists is returned when an output exists and overwriting is
	// not allowed.
	ErrOutputExists = errors.New("output file exists, use -f to overwrite")

	// ErrShapeMismatch is returned when the mask does not match the data.
	ErrShapeMismatch = errors.New("mask is not the same shape as data")
)

// Outputs names the files written by the reconstruction. Empty names are
// skipped.
type Outputs struct {
	WMFODF  string
	GMFODF  string
	CSFFODF string
	VF      string
	VFRGB   string
}

// DefaultOutputs returns the names used when every output is written.
func DefaultOutputs() Outputs {
	return Outputs{
		WMFODF:  "wm_fodf.nii.gz",
		GMFODF:  "gm_fodf.nii.gz",
		CSFFODF: "csf_fodf.nii.gz",
		VF:      "vf.nii.gz",
		VFRGB:   "vf_rgb.nii.gz",
	}
}

// List returns every requested output.
func (o Outputs) List() []string {
	var out []string
	for _, p := range []string{o.WMFODF, o.GMFODF, o.CSFFODF, o.VF, o.VFRGB} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CheckSelection rejects an explicit selection that names no output.
func (o Outputs) CheckSelection(notAll bool) error {
	if notAll && len(o.List()) == 0 {
		return ErrNoOutputs
	}
	return nil
}

// Params holds the reconstruction configuration.
type Params struct {
	// Acquisitions lists the input series, at most one per geometry.
	Acquisitions models.AcquisitionSet

	// WMFRF, GMFRF and CSFFRF are the response function files.
	WMFRF  string
	GMFRF  string
	CSFFRF string

	// MaskPath optionally restricts the fit to a binary mask.
	MaskPath string

	SHOrder int

	// SHBasis is the basis of the written coefficients.
	SHBasis shm.Basis

	// Tolerance groups b-values into shells.
	Tolerance float64

	// B0Threshold is the largest b-value considered unweighted.
	B0Threshold float64

	// ForceB0Threshold proceeds when no b-value is below B0Threshold.
	ForceB0Threshold bool

	// Processes is the number of concurrent voxel fits. Zero uses every CPU.
	Processes int

	// NotAll writes only the explicitly named outputs.
	NotAll  bool
	Outputs Outputs

	// Overwrite allows existing outputs to be replaced.
	Overwrite bool

	// Sphere is the sphere used for the response and the constraints. Nil
	// selects sphere.Default().
	Sphere *sphere.Sphere

	Fit FitParams

	// PreviewDir, when set, receives JPEG slices of the colour fractions.
	PreviewDir string

	Logger *zap.Logger
}

// Reconstructor runs the multi-shell multi-tissue deconvolution pipeline:
//  1. Checking inputs and outputs
//  2. Loading and merging the acquisitions
//  3. Estimating the multi-shell response
//  4. Fitting every voxel in parallel
//  5. Writing the fODFs and volume fractions
type Reconstructor struct {
	params *Params
	logger *zap.Logger

	input    *gradients.BTensorInput
	mask     *models.Mask
	response *response.MultiShellResponse
	fit      *MSDeconvFit
}

// NewReconstructor creates a reconstructor with the provided parameters.
func NewReconstructor(params *Params) *Reconstructor {
	if params.Sphere == nil {
		params.Sphere = sphere.Default()
	}
	if params.SHBasis == "" {
		params.SHBasis = shm.Descoteaux07
	}
	if params.Fit == (FitParams{}) {
		params.Fit = DefaultFitParams()
	}
	return &Reconstructor{params: params, logger: logging.OrNop(params.Logger)}
}

// CheckOutputs fills the default output names and refuses existing files.
// It touches no input.
func (p *Params) CheckOutputs() error {
	if err := p.Outputs.CheckSelection(p.NotAll); err != nil {
		return err
	}
	if !p.NotAll {
		def := DefaultOutputs()
		for _, f := range []struct {
			dst  *string
			name string
		}{
			{&p.Outputs.WMFODF, def.WMFODF},
			{&p.Outputs.GMFODF, def.GMFODF},
			{&p.Outputs.CSFFODF, def.CSFFODF},
			{&p.Outputs.VF, def.VF},
			{&p.Outputs.VFRGB, def.VFRGB},
		} {
			if *f.dst == "" {
				*f.dst = f.name
			}
		}
	}

	outputs := p.Outputs.List()
	if len(outputs) == 0 {
		return ErrNoOutputs
	}
	if p.Overwrite {
		return nil
	}
	var errs error
	for _, o := range outputs {
		if _, err := os.Stat(o); err == nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrOutputExists, o))
		}
	}
	return errs
}

// CheckInputs verifies that every input file exists.
func (p *Params) CheckInputs() error {
	if err := p.Acquisitions.Validate(); err != nil {
		return err
	}
	paths := []string{p.WMFRF, p.GMFRF, p.CSFFRF}
	for _, a := range p.Acquisitions {
		paths = append(paths, a.VolumePath, a.BvalsPath, a.BvecsPath)
	}
	if p.MaskPath != "" {
		paths = append(paths, p.MaskPath)
	}
	var errs error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("input file %q: %w", path, err))
		}
	}
	return errs
}

// Process runs the complete reconstruction pipeline.
func (r *Reconstructor) Process(ctx context.Context) error {
	p := r.params
	start := time.Now()

	r.logger.Info("Step 1: Checking inputs and outputs")
	if err := shm.ValidateOrder(p.SHOrder); err != nil {
		return err
	}
	if err := p.CheckOutputs(); err != nil {
		return err
	}
	if err := p.CheckInputs(); err != nil {
		return err
	}

	r.logger.Info("Step 2: Loading acquisitions")
	if err := r.loadInputs(); err != nil {
		return err
	}

	r.logger.Info("Step 3: Estimating the multi-shell response")
	if err := r.estimateResponse(); err != nil {
		return fmt.Errorf("failed to estimate the response: %w", err)
	}

	r.logger.Info("Step 4: Fitting the deconvolution model")
	model, err := NewMultiShellDeconvModel(r.input.Table, r.response, p.Sphere.Hemisphere(),
		p.SHOrder, p.Tolerance, p.Fit)
	if err != nil {
		return fmt.Errorf("failed to build the model: %w", err)
	}
	r.fit, err = FitFromModel(ctx, model, r.input.Data, r.mask, p.Processes, r.logger)
	if err != nil {
		return fmt.Errorf("failed to fit the model: %w", err)
	}
	m := r.fit.Metrics
	r.logger.Info("Fit done",
		zap.Int("voxels", m.Voxels),
		zap.Int("nonConverged", m.NonConverged),
		zap.Float64("meanIterations", m.MeanIterations),
		zap.Float64("meanRMSE", m.MeanRMSE))

	r.logger.Info("Step 5: Writing outputs")
	if err := r.writeOutputs(); err != nil {
		return err
	}

	r.logger.Info("Reconstruction complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Reconstructor) loadInputs() error {
	p := r.params
	in, err := gradients.GenerateBTensorInput(p.Acquisitions, gradients.InputOptions{
		Tolerance:        p.Tolerance,
		B0Threshold:      p.B0Threshold,
		ForceB0Threshold: p.ForceB0Threshold,
		Logger:           r.logger,
	})
	if err != nil {
		return err
	}
	r.input = in

	if p.MaskPath != "" {
		mask, err := nifti.LoadMask(p.MaskPath)
		if err != nil {
			return fmt.Errorf("failed to load mask: %w", err)
		}
		if mask.Dims != in.Data.SpatialShape() {
			return fmt.Errorf("%w: mask %v, data %v", ErrShapeMismatch, mask.Dims, in.Data.SpatialShape())
		}
		r.mask = mask
	}

	// Checking data and sh_order
	if n := in.Data.Dims[3]; n < shm.NCoeffs(p.SHOrder) {
		r.logger.Warn("We recommend having at least as many volumes as SH coefficients; "+
			"your sh_order may be too high for your data.",
			zap.Int("volumes", n),
			zap.Int("coefficients", shm.NCoeffs(p.SHOrder)),
			zap.Int("shOrder", p.SHOrder))
	}

	r.logger.Info("Loaded acquisitions",
		zap.Int("volumes", in.Data.Dims[3]),
		zap.Int("shells", len(in.Shells)),
		zap.Ints("shape", in.Data.Dims[:3]))
	return nil
}

func (r *Reconstructor) estimateResponse() error {
	p := r.params
	var frfs [3]*response.FRF
	for i, f := range []struct {
		path   string
		tissue response.Tissue
	}{{p.WMFRF, response.WM}, {p.GMFRF, response.GM}, {p.CSFFRF, response.CSF}} {
		frf, err := response.LoadFRF(f.path, f.tissue)
		if err != nil {
			return err
		}
		frfs[i] = frf

		s0 := make([]float64, len(frf.Rows))
		for j, row := range frf.Rows {
			s0[j] = row.S0
		}
		r.logger.Debug("Loaded response",
			zap.Stringer("tissue", f.tissue),
			zap.Int("rows", len(frf.Rows)),
			zap.Float64("meanS0", stat.Mean(s0, nil)))
	}

	resp, err := response.MultiShellFiberResponse(response.EstimatorParams{
		SHOrder:   p.SHOrder,
		Bvals:     r.input.BvalSchedule(),
		BDeltas:   r.input.BDeltaSchedule(p.Tolerance),
		WM:        frfs[0],
		GM:        frfs[1],
		CSF:       frfs[2],
		Sphere:    p.Sphere,
		Tolerance: p.Tolerance,
		Logger:    r.logger,
	})
	if err != nil {
		return err
	}
	r.response = resp
	return nil
}

func (r *Reconstructor) writeOutputs() error {
	p := r.params
	o := p.Outputs

	coeffs := []struct {
		path  string
		vol   *models.Volume
		order int
	}{
		{o.WMFODF, r.fit.ShmCoeff(), p.SHOrder},
		{o.GMFODF, r.fit.TissueCoeff(1), 0},
		{o.CSFFODF, r.fit.TissueCoeff(0), 0},
	}
	for _, c := range coeffs {
		if c.path == "" {
			continue
		}
		vol, err := r.toBasis(c.vol, c.order)
		if err != nil {
			return err
		}
		if err := r.save(c.path, vol, nifti.Float32); err != nil {
			return err
		}
	}

	if o.VF == "" && o.VFRGB == "" && p.PreviewDir == "" {
		return nil
	}
	vf := r.fit.VolumeFractions()
	if o.VF != "" {
		if err := r.save(o.VF, vf, nifti.Float32); err != nil {
			return err
		}
	}
	if o.VFRGB != "" || p.PreviewDir != "" {
		rgb := VolumeFractionsRGB(vf)
		if o.VFRGB != "" {
			if err := r.save(o.VFRGB, rgb, nifti.Uint8); err != nil {
				return err
			}
		}
		if p.PreviewDir != "" {
			if err := r.savePreview(rgb); err != nil {
				r.logger.Warn("Failed to save preview", zap.Error(err))
			}
		}
	}
	return nil
}

// toBasis converts descoteaux07 coefficients to the requested basis.
func (r *Reconstructor) toBasis(vol *models.Volume, order int) (*models.Volume, error) {
	if r.params.SHBasis == shm.Descoteaux07 {
		return vol, nil
	}
	rows := make([][]float64, vol.NumVoxels())
	for i := range rows {
		rows[i] = vol.Voxel(i)
	}
	conv, err := shm.ConvertBasis(rows, order, shm.Descoteaux07, r.params.SHBasis, r.params.Sphere)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to %s: %w", r.params.SHBasis, err)
	}
	s := vol.SpatialShape()
	out := models.NewVolume(s[0], s[1], s[2], vol.Dims[3], vol.Affine)
	for i, c := range conv {
		copy(out.Voxel(i), c)
	}
	return out, nil
}

func (r *Reconstructor) save(path string, vol *models.Volume, dt nifti.DataType) error {
	if err := nifti.Save(path, vol, dt); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	r.logger.Debug("Saved output", zap.String("path", path), zap.Stringer("type", dt))
	return nil
}

func (r *Reconstructor) savePreview(rgb *models.Volume) error {
	viewer := visualization.NewViewer(rgb, 255)
	for _, axis := range []string{"x", "y", "z"} {
		if err := viewer.SaveSliceSequence(axis, filepath.Join(r.params.PreviewDir, axis)); err != nil {
			return err
		}
	}
	return nil
}

// VolumeFractionsRGB scales the volume fractions by their maximum to
// [0, 255]. A volume without positive fraction stays zero.
func VolumeFractionsRGB(vf *models.Volume) *models.Volume {
	s := vf.SpatialShape()
	out := models.NewVolume(s[0], s[1], s[2], vf.Dims[3], vf.Affine)
	if len(vf.Data) == 0 {
		return out
	}
	maxVal := floats.Max(vf.Data)
	if maxVal <= 0 {
		return out
	}
	for i, v := range vf.Data {
		out.Data[i] = math.Max(0, math.Min(255, v/maxVal*255))
	}
	return out
}

// GetMetrics returns the metrics of the last fit.
func (r *Reconstructor) GetMetrics() FitMetrics {
	if r.fit == nil {
		return FitMetrics{}
	}
	return r.fit.Metrics
}

// GetResult returns the last fit, or nil before Process.
func (r *Reconstructor) GetResult() *MSDeconvFit { return r.fit }

// GetResponse returns the estimated response, or nil before Process.
func (r *Reconstructor) GetResponse() *response.MultiShellResponse { return r.response }
