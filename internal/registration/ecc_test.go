package registration

import (
	"testing"

	"geoalign/internal/raster"
	"geoalign/internal/raster/rastertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patternGrid(w, h int, dx, dy float64) *raster.Grid {
	g := raster.NewGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Set(x, y, rastertest.PatternAt(float64(x)+dx, float64(y)+dy))
		}
	}
	return g
}

func TestECCRecoversTranslation(t *testing.T) {
	source := patternGrid(64, 64, 0, 0)
	target := patternGrid(64, 64, 1.5, -0.75)

	w, err := (&ECC{GaussFilterSize: DefaultGaussFilterSize}).ComputeWarp(source, target, 1e-6, 200)
	require.NoError(t, err)

	assert.InDelta(t, 1.5, w[0][2], 0.1)
	assert.InDelta(t, -0.75, w[1][2], 0.1)
	assert.InDelta(t, 1, w[0][0], 0.02)
	assert.InDelta(t, 1, w[1][1], 0.02)
	assert.InDelta(t, 0, w[0][1], 0.02)
	assert.InDelta(t, 0, w[1][0], 0.02)
}

func TestECCIdenticalImagesStayNearIdentity(t *testing.T) {
	g := patternGrid(48, 40, 0, 0)

	w, err := (&ECC{GaussFilterSize: DefaultGaussFilterSize}).ComputeWarp(g, g, 1e-4, 50)
	require.NoError(t, err)
	id := Identity()
	for r := range w {
		for c := range w[r] {
			assert.InDelta(t, id[r][c], w[r][c], 1e-6, "w[%d][%d]", r, c)
		}
	}
}

func TestECCUniformImageFails(t *testing.T) {
	source := patternGrid(32, 32, 0, 0)
	target := raster.NewGrid(32, 32)
	for i := range target.Pix {
		target.Pix[i] = 128
	}

	_, err := (&ECC{}).ComputeWarp(source, target, 1e-4, 20)
	assert.ErrorIs(t, err, ErrNotConverged)
}

func TestECCRejectsBadInputs(t *testing.T) {
	g := patternGrid(8, 8, 0, 0)
	e := &ECC{}

	_, err := e.ComputeWarp(raster.NewGrid(0, 0), g, 1e-4, 10)
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = e.ComputeWarp(g, g, 1e-4, 0)
	assert.Error(t, err)

	_, err = e.ComputeWarp(g, g, 0, 10)
	assert.Error(t, err)
}

func TestGaussianKernelIsNormalised(t *testing.T) {
	k := gaussianKernel(5)
	require.Len(t, k, 5)
	var sum float64
	for _, v := range k {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-12)
	assert.Equal(t, k[0], k[4])
	assert.Greater(t, k[2], k[1])
}

func TestReflect101(t *testing.T) {
	cases := []struct{ i, n, want int }{
		{-1, 5, 1},
		{-2, 5, 2},
		{5, 5, 3},
		{6, 5, 2},
		{2, 5, 2},
		{-3, 1, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, reflect101(c.i, c.n), "reflect101(%d, %d)", c.i, c.n)
	}
}

func TestNew(t *testing.T) {
	r, err := New("", 5)
	require.NoError(t, err)
	assert.IsType(t, &ECC{}, r)

	r, err = New("OpenCV", 5)
	require.NoError(t, err)
	assert.IsType(t, &OpenCV{}, r)

	_, err = New("sift", 5)
	assert.Error(t, err)
}
