package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmritools/internal/models"
	"dmritools/pkg/reconstruction"
	"dmritools/pkg/shm"
	"dmritools/pkg/sphere"
)

type memsmtOptions struct {
	inputs       map[models.Geometry]*models.Acquisition
	bDeltaCustom float64

	shOrder     int
	shBasis     string
	mask        string
	tolerance   float64
	b0Threshold float64
	forceB0     bool
	processes   int

	notAll     bool
	outputs    reconstruction.Outputs
	overwrite  bool
	previewDir string
}

func newMemsmtCmd(a *app) *cobra.Command {
	cmd, _ := memsmtCommand(a)
	return cmd
}

func memsmtCommand(a *app) (*cobra.Command, *memsmtOptions) {
	o := &memsmtOptions{inputs: make(map[models.Geometry]*models.Acquisition)}

	cmd := &cobra.Command{
		Use:   "compute-memsmt-fodf in_wm_frf in_gm_frf in_csf_frf",
		Short: "Compute multi-encoding multi-shell multi-tissue fODFs",
		Long: `Computes the white matter, gray matter and CSF fODFs and the volume
fractions of multi-encoding diffusion data with multi-shell multi-tissue
constrained spherical deconvolution.

Each encoding is given as a triple of DWI, bvals and bvecs files
(--input_linear, --bvals_linear, --bvecs_linear, and likewise for planar,
spherical and custom). A custom encoding also needs --bdelta_custom.

The response files hold one row of 3 eigenvalues and S0 per non-b0 shell,
or a single row used for every shell.

By default every output is written with its default name; --not_all writes
only the outputs named explicitly.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemsmt(cmd, a, o, args)
		},
	}

	f := cmd.Flags()
	for _, g := range models.Geometries {
		acq := &models.Acquisition{Geometry: g}
		o.inputs[g] = acq
		f.StringVar(&acq.VolumePath, "input_"+g.String(), "", fmt.Sprintf("Path of the %s encoded diffusion data", g))
		f.StringVar(&acq.BvalsPath, "bvals_"+g.String(), "", fmt.Sprintf("Path of the %s encoded bvals file, in FSL format", g))
		f.StringVar(&acq.BvecsPath, "bvecs_"+g.String(), "", fmt.Sprintf("Path of the %s encoded bvecs file, in FSL format", g))
	}
	f.Float64Var(&o.bDeltaCustom, "bdelta_custom", 0, "Value of the b_delta for the custom encoding (one of 0, 1, -0.5, 0.5)")

	f.IntVar(&o.shOrder, "sh_order", 8, "SH order used for the fODF")
	f.StringVar(&o.shBasis, "sh_basis", string(shm.Descoteaux07), "Basis of the output SH coefficients (descoteaux07 or tournier07)")
	f.StringVar(&o.mask, "mask", "", "Path of a binary mask; only voxels inside are fitted")
	f.Float64Var(&o.tolerance, "tolerance", 20, "Tolerated gap between b-values of the same shell")
	f.Float64Var(&o.b0Threshold, "b0_threshold", 20, "Largest b-value considered a b0")
	f.BoolVar(&o.forceB0, "force_b0_threshold", false, "Proceed when no b-value is below the b0 threshold")
	f.IntVar(&o.processes, "processes", 0, "Number of concurrent voxel fits (0 uses every CPU)")

	f.BoolVar(&o.notAll, "not_all", false, "Only write the outputs given explicitly")
	f.StringVar(&o.outputs.WMFODF, "wm_fodf", "", "Output filename for the WM fODF coefficients")
	f.StringVar(&o.outputs.GMFODF, "gm_fodf", "", "Output filename for the GM fODF coefficients")
	f.StringVar(&o.outputs.CSFFODF, "csf_fodf", "", "Output filename for the CSF fODF coefficients")
	f.StringVar(&o.outputs.VF, "vf", "", "Output filename for the volume fractions map")
	f.StringVar(&o.outputs.VFRGB, "vf_rgb", "", "Output filename for the volume fractions map in RGB")
	f.BoolVarP(&o.overwrite, "force", "f", false, "Force overwriting of the output files")
	f.StringVar(&o.previewDir, "preview_dir", "", "Directory receiving JPEG slices of the RGB volume fractions")

	a.checkFlags(cmd, func() error {
		return o.outputs.CheckSelection(o.notAll)
	})
	return cmd, o
}

// applyConfig fills the flags the user did not set from the configuration.
func (o *memsmtOptions) applyConfig(cmd *cobra.Command, a *app) {
	if a.cfg == nil {
		return
	}
	c := a.cfg.Reconstruction
	f := cmd.Flags()
	if !f.Changed("sh_order") {
		o.shOrder = c.SHOrder
	}
	if !f.Changed("sh_basis") {
		o.shBasis = c.SHBasis
	}
	if !f.Changed("tolerance") {
		o.tolerance = c.Tolerance
	}
	if !f.Changed("b0_threshold") {
		o.b0Threshold = c.B0Threshold
	}
	if !f.Changed("processes") {
		o.processes = c.Processes
	}
}

func (o *memsmtOptions) params(cmd *cobra.Command, a *app, args []string) (*reconstruction.Params, error) {
	o.applyConfig(cmd, a)

	basis, err := shm.ParseBasis(o.shBasis)
	if err != nil {
		return nil, err
	}

	var acqs models.AcquisitionSet
	for _, g := range models.Geometries {
		acq := *o.inputs[g]
		if acq.Empty() {
			continue
		}
		if g == models.Custom {
			acq.BDelta = o.bDeltaCustom
			acq.HasBDelta = cmd.Flags().Changed("bdelta_custom")
		}
		acqs = append(acqs, acq)
	}

	p := &reconstruction.Params{
		Acquisitions:     acqs,
		WMFRF:            args[0],
		GMFRF:            args[1],
		CSFFRF:           args[2],
		MaskPath:         o.mask,
		SHOrder:          o.shOrder,
		SHBasis:          basis,
		Tolerance:        o.tolerance,
		B0Threshold:      o.b0Threshold,
		ForceB0Threshold: o.forceB0,
		Processes:        o.processes,
		NotAll:           o.notAll,
		Outputs:          o.outputs,
		Overwrite:        o.overwrite,
		PreviewDir:       o.previewDir,
		Logger:           a.logger,
	}
	if a.cfg != nil {
		p.Sphere = sphere.Unit(a.cfg.Sphere.Subdivisions)
		p.Fit = reconstruction.FitParams{
			Tolerance:     a.cfg.Fit.Tolerance,
			MaxIterations: a.cfg.Fit.MaxIterations,
		}
	}
	return p, nil
}

func runMemsmt(cmd *cobra.Command, a *app, o *memsmtOptions, args []string) error {
	params, err := o.params(cmd, a, args)
	if err != nil {
		return err
	}

	// Output names are settled before any input is read.
	if err := params.CheckOutputs(); err != nil {
		return err
	}
	if err := params.Acquisitions.Validate(); err != nil {
		return err
	}

	start := time.Now()
	r := reconstruction.NewReconstructor(params)
	if err := r.Process(cmd.Context()); err != nil {
		return err
	}

	m := r.GetMetrics()
	a.logger.Info("memsmt-CSD completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("voxels", m.Voxels),
		zap.Int("nonConverged", m.NonConverged),
		zap.Float64("meanRMSE", m.MeanRMSE),
		zap.Float64("stdRMSE", m.StdRMSE),
		zap.Strings("outputs", params.Outputs.List()))
	return nil
}
