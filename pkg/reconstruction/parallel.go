package reconstruction

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"dmritools/internal/logging"
	"dmritools/internal/models"
	"dmritools/pkg/response"
)

// FitMetrics summarises a volume fit.
type FitMetrics struct {
	// Voxels is the number of voxels inside the mask
	Voxels int

	// NonConverged counts voxels left with a violated constraint
	NonConverged int

	MeanIterations float64

	// MeanRMSE and StdRMSE describe the residual of the fitted voxels
	MeanRMSE float64
	StdRMSE  float64
}

// MSDeconvFit holds the coefficients of every voxel: CSF, GM, then the WM
// SH coefficients.
type MSDeconvFit struct {
	Coeffs  *models.Volume
	Metrics FitMetrics
}

// AllSHMCoeff returns the full coefficient volume.
func (f *MSDeconvFit) AllSHMCoeff() *models.Volume { return f.Coeffs }

// ShmCoeff returns the WM SH coefficients.
func (f *MSDeconvFit) ShmCoeff() *models.Volume {
	return f.slice(response.NumIso, f.Coeffs.Dims[3])
}

// TissueCoeff returns coefficient i of every voxel as a single volume.
func (f *MSDeconvFit) TissueCoeff(i int) *models.Volume {
	return f.slice(i, i+1)
}

// VolumeFractions returns CSF, GM and the WM DC coefficient.
func (f *MSDeconvFit) VolumeFractions() *models.Volume {
	return f.slice(0, response.NumIso+1)
}

func (f *MSDeconvFit) slice(from, to int) *models.Volume {
	s := f.Coeffs.SpatialShape()
	out := models.NewVolume(s[0], s[1], s[2], to-from, f.Coeffs.Affine)
	for vox := 0; vox < out.NumVoxels(); vox++ {
		copy(out.Voxel(vox), f.Coeffs.Voxel(vox)[from:to])
	}
	return out
}

// FitFromModel fits every voxel of the mask with up to processes concurrent
// workers. A nil mask selects every voxel; voxels outside the mask are zero.
// The result does not depend on the number of workers.
func FitFromModel(ctx context.Context, model *MultiShellDeconvModel, data *models.Volume,
	mask *models.Mask, processes int, logger *zap.Logger) (*MSDeconvFit, error) {

	logger = logging.OrNop(logger)
	if processes < 1 {
		processes = runtime.NumCPU()
	}
	nMeas, _ := model.X.Dims()
	if data.Dims[3] != nMeas {
		return nil, fmt.Errorf("data has %d volumes, model expects %d", data.Dims[3], nMeas)
	}
	if mask != nil && mask.Dims != data.SpatialShape() {
		return nil, fmt.Errorf("%w: mask %v, data %v", ErrShapeMismatch, mask.Dims, data.SpatialShape())
	}

	var voxels []int
	for vox := 0; vox < data.NumVoxels(); vox++ {
		if mask == nil || mask.Data[vox] {
			voxels = append(voxels, vox)
		}
	}

	s := data.SpatialShape()
	out := models.NewVolume(s[0], s[1], s[2], model.NumCoeffs(), data.Affine)
	iterations := make([]float64, len(voxels))
	residuals := make([]float64, len(voxels))
	converged := make([]bool, len(voxels))

	// Results are stored by voxel index; the chunking only spreads the work.
	chunk := len(voxels)/(4*processes) + 1
	var done atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(processes)
	for start := 0; start < len(voxels); start += chunk {
		end := min(start+chunk, len(voxels))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				vox := voxels[i]
				fit, err := model.FitVoxel(data.Voxel(vox))
				if err != nil {
					return fmt.Errorf("voxel %d: %w", vox, err)
				}
				copy(out.Voxel(vox), fit.Coeffs)
				iterations[i] = float64(fit.Iterations)
				residuals[i] = fit.RMSE
				converged[i] = fit.Converged
			}
			n := done.Add(int64(end - start))
			logger.Debug("Fitted voxels", zap.Int64("done", n), zap.Int("total", len(voxels)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	metrics := FitMetrics{Voxels: len(voxels)}
	for _, c := range converged {
		if !c {
			metrics.NonConverged++
		}
	}
	switch {
	case len(voxels) > 1:
		metrics.MeanIterations = stat.Mean(iterations, nil)
		metrics.MeanRMSE, metrics.StdRMSE = stat.MeanStdDev(residuals, nil)
	case len(voxels) == 1:
		metrics.MeanIterations = iterations[0]
		metrics.MeanRMSE = residuals[0]
	}

	return &MSDeconvFit{Coeffs: out, Metrics: metrics}, nil
}
