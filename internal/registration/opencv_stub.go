//go:build !opencv

package registration

import (
	"errors"

	"geoalign/internal/raster"
)

const openCVCompiled = false

// OpenCV is unavailable in builds without the opencv tag.
type OpenCV struct {
	GaussFilterSize int
}

// ComputeWarp always fails; rebuild with -tags opencv to enable it.
func (o *OpenCV) ComputeWarp(source, target *raster.Grid, termEps float64, maxIter int) (Warp, error) {
	return Identity(), errors.New("opencv engine not compiled in (build with -tags opencv)")
}
