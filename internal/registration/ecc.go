package registration

import (
	"fmt"
	"math"

	"geoalign/internal/raster"

	"gonum.org/v1/gonum/mat"
)

// ECC is a pure Go implementation of the affine ECC image alignment of
// Evangelidis and Psarakis, following the iteration used by OpenCV's
// findTransformECC.
type ECC struct {
	// GaussFilterSize is the odd kernel size used to smooth both images;
	// values below 3 disable smoothing.
	GaussFilterSize int
}

// ComputeWarp aligns source onto target. The target is the template: the
// returned warp maps target pixel positions into the source image.
func (e *ECC) ComputeWarp(source, target *raster.Grid, termEps float64, maxIter int) (Warp, error) {
	if err := checkInputs(source, target, termEps, maxIter); err != nil {
		return Identity(), err
	}

	input := gaussianBlur(source, e.GaussFilterSize)
	template := gaussianBlur(target, e.GaussFilterSize)
	gradX, gradY := gradients(input)

	n := template.Width * template.Height
	warped := make([]float64, n)
	warpedGX := make([]float64, n)
	warpedGY := make([]float64, n)
	mask := make([]bool, n)

	p := [6]float64{1, 0, 0, 0, 1, 0}
	maxU := float64(input.Width - 1)
	maxV := float64(input.Height - 1)

	rho, lastRho := -1.0, -termEps
	for iter := 1; iter <= maxIter && math.Abs(rho-lastRho) >= termEps; iter++ {
		valid := 0
		var tSum, iSum float64
		for y := 0; y < template.Height; y++ {
			fy := float64(y)
			for x := 0; x < template.Width; x++ {
				idx := y*template.Width + x
				fx := float64(x)
				u := p[0]*fx + p[1]*fy + p[2]
				v := p[3]*fx + p[4]*fy + p[5]
				if u < 0 || v < 0 || u > maxU || v > maxV {
					mask[idx] = false
					continue
				}
				mask[idx] = true
				warped[idx] = bilinear(input, u, v)
				warpedGX[idx] = bilinear(gradX, u, v)
				warpedGY[idx] = bilinear(gradY, u, v)
				tSum += template.Pix[idx]
				iSum += warped[idx]
				valid++
			}
		}
		if valid == 0 {
			return Identity(), fmt.Errorf("%w: images do not overlap", ErrNotConverged)
		}
		tMean := tSum / float64(valid)
		iMean := iSum / float64(valid)

		var (
			hess              [6][6]float64
			imgProj, tmplProj [6]float64
			tNorm2, iNorm2    float64
			corr              float64
		)
		for y := 0; y < template.Height; y++ {
			fy := float64(y)
			for x := 0; x < template.Width; x++ {
				idx := y*template.Width + x
				if !mask[idx] {
					continue
				}
				fx := float64(x)
				tz := template.Pix[idx] - tMean
				iz := warped[idx] - iMean
				tNorm2 += tz * tz
				iNorm2 += iz * iz
				corr += tz * iz

				gx, gy := warpedGX[idx], warpedGY[idx]
				jac := [6]float64{gx * fx, gx * fy, gx, gy * fx, gy * fy, gy}
				for a := 0; a < 6; a++ {
					imgProj[a] += jac[a] * iz
					tmplProj[a] += jac[a] * tz
					for b := a; b < 6; b++ {
						hess[a][b] += jac[a] * jac[b]
					}
				}
			}
		}

		lastRho = rho
		rho = corr / (math.Sqrt(iNorm2) * math.Sqrt(tNorm2))
		if math.IsNaN(rho) {
			return Identity(), fmt.Errorf("%w: NaN correlation (uniform image?)", ErrNotConverged)
		}

		h := mat.NewSymDense(6, nil)
		for a := 0; a < 6; a++ {
			for b := a; b < 6; b++ {
				h.SetSym(a, b, hess[a][b])
			}
		}
		var hinv mat.Dense
		if err := hinv.Inverse(h); err != nil {
			if c, ok := err.(mat.Condition); !ok || math.IsInf(float64(c), 1) {
				return Identity(), fmt.Errorf("%w: singular hessian: %v", ErrNotConverged, err)
			}
		}

		ip := mat.NewVecDense(6, imgProj[:])
		tp := mat.NewVecDense(6, tmplProj[:])
		var ipHess mat.VecDense
		ipHess.MulVec(&hinv, ip)

		lambdaN := iNorm2 - mat.Dot(ip, &ipHess)
		lambdaD := corr - mat.Dot(tp, &ipHess)
		if lambdaD <= 0 {
			return Identity(), fmt.Errorf("%w: correlation would be minimised; images may be uncorrelated or non-overlapping", ErrNotConverged)
		}
		lambda := lambdaN / lambdaD

		// J^T (lambda*tZM - iZM) expands to lambda*tmplProj - imgProj.
		var errProj mat.VecDense
		errProj.ScaleVec(lambda, tp)
		errProj.SubVec(&errProj, ip)

		var delta mat.VecDense
		delta.MulVec(&hinv, &errProj)
		for k := 0; k < 6; k++ {
			p[k] += delta.AtVec(k)
		}
	}

	return Warp{{p[0], p[1], p[2]}, {p[3], p[4], p[5]}}, nil
}

func bilinear(g *raster.Grid, u, v float64) float64 {
	x0 := int(u)
	y0 := int(v)
	x1 := min(x0+1, g.Width-1)
	y1 := min(y0+1, g.Height-1)
	fx := u - float64(x0)
	fy := v - float64(y0)
	top := g.At(x0, y0)*(1-fx) + g.At(x1, y0)*fx
	bottom := g.At(x0, y1)*(1-fx) + g.At(x1, y1)*fx
	return top*(1-fy) + bottom*fy
}

// reflect101 mirrors an out-of-range index without repeating the edge pixel.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// gradients returns central-difference derivatives along x and y.
func gradients(g *raster.Grid) (*raster.Grid, *raster.Grid) {
	gx := raster.NewGrid(g.Width, g.Height)
	gy := raster.NewGrid(g.Width, g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			l := g.At(reflect101(x-1, g.Width), y)
			r := g.At(reflect101(x+1, g.Width), y)
			u := g.At(x, reflect101(y-1, g.Height))
			d := g.At(x, reflect101(y+1, g.Height))
			gx.Set(x, y, 0.5*(r-l))
			gy.Set(x, y, 0.5*(d-u))
		}
	}
	return gx, gy
}

func gaussianKernel(size int) []float64 {
	sigma := 0.3*(float64(size-1)*0.5-1) + 0.8
	k := make([]float64, size)
	half := size / 2
	var sum float64
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// gaussianBlur applies a separable Gaussian with OpenCV's default sigma for size.
func gaussianBlur(g *raster.Grid, size int) *raster.Grid {
	if size < 3 {
		return g
	}
	if size%2 == 0 {
		size++
	}
	k := gaussianKernel(size)
	half := size / 2

	tmp := raster.NewGrid(g.Width, g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var s float64
			for i, w := range k {
				s += w * g.At(reflect101(x+i-half, g.Width), y)
			}
			tmp.Set(x, y, s)
		}
	}
	out := raster.NewGrid(g.Width, g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var s float64
			for i, w := range k {
				s += w * tmp.At(x, reflect101(y+i-half, g.Height))
			}
			out.Set(x, y, s)
		}
	}
	return out
}
