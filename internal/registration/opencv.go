//go:build opencv

package registration

import (
	"fmt"
	"math"

	"geoalign/internal/raster"

	"gocv.io/x/gocv"
)

const openCVCompiled = true

// OpenCV delegates to cv::findTransformECC through gocv.
type OpenCV struct {
	GaussFilterSize int
}

// ComputeWarp aligns source onto target with OpenCV's ECC implementation.
func (o *OpenCV) ComputeWarp(source, target *raster.Grid, termEps float64, maxIter int) (Warp, error) {
	if err := checkInputs(source, target, termEps, maxIter); err != nil {
		return Identity(), err
	}
	gauss := o.GaussFilterSize
	if gauss < 1 {
		gauss = 1
	}

	input := gridToMat(source)
	defer input.Close()
	template := gridToMat(target)
	defer template.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	warp := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV32F)
	defer warp.Close()
	id := Identity()
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			warp.SetFloatAt(r, c, float32(id[r][c]))
		}
	}

	criteria := gocv.NewTermCriteria(gocv.Count+gocv.EPS, maxIter, termEps)
	rho := gocv.FindTransformECC(template, input, &warp, gocv.MotionAffine, criteria, mask, gauss)
	if math.IsNaN(rho) || rho < -1 {
		return Identity(), fmt.Errorf("%w: opencv returned correlation %v", ErrNotConverged, rho)
	}

	var w Warp
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			w[r][c] = float64(warp.GetFloatAt(r, c))
		}
	}
	return w, nil
}

func gridToMat(g *raster.Grid) gocv.Mat {
	m := gocv.NewMatWithSize(g.Height, g.Width, gocv.MatTypeCV32F)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			m.SetFloatAt(y, x, float32(g.At(x, y)))
		}
	}
	return m
}
