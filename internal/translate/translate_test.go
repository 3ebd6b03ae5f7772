package translate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"geoalign/internal/raster"
	"geoalign/internal/raster/rastertest"
	"geoalign/internal/registration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMeta map[string]raster.Metadata

func (f fakeMeta) ReadMetadata(path string) (raster.Metadata, error) {
	md, ok := f[path]
	if !ok {
		return raster.Metadata{}, os.ErrNotExist
	}
	return md, nil
}

type fakePixels struct {
	reads []string
}

func (f *fakePixels) ReadPixels(path string) (*raster.Grid, error) {
	f.reads = append(f.reads, path)
	return raster.NewGrid(2, 2), nil
}

type fakeRegistrar struct {
	warp  registration.Warp
	err   error
	calls int
	eps   float64
	iter  int
}

func (f *fakeRegistrar) ComputeWarp(_, _ *raster.Grid, termEps float64, maxIter int) (registration.Warp, error) {
	f.calls++
	f.eps, f.iter = termEps, maxIter
	return f.warp, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func meta(epsg int, px, py float64) raster.Metadata {
	return raster.Metadata{
		Width: 10, Height: 10, Bands: 1,
		CRS:       raster.CRS{EPSG: epsg},
		Transform: raster.Transform{px, 0, 1000, 0, -py, 2000},
	}
}

var scenarioWarp = registration.Warp{{0.99, 0.01, -2.0}, {-0.01, 0.99, 3.0}}

func TestCalculateScenario(t *testing.T) {
	md := fakeMeta{
		"src/A.tif": meta(32633, 1, 1),
		"src/B.tif": meta(32633, 1, 1),
		"tgt/A.tif": meta(32633, 1, 1),
	}
	reg := &fakeRegistrar{warp: scenarioWarp}
	px := &fakePixels{}
	calc := NewCalculator(NewResolver(md, quietLogger()), px, reg, quietLogger())

	table, err := calc.Calculate(context.Background(),
		[]string{"src/A.tif", "src/B.tif"}, []string{"tgt/A.tif"},
		RegistrationConfig{MaxIterations: 1000, TermEps: 1e-4})
	require.NoError(t, err)
	require.Len(t, table, 2)

	a := table[0]
	assert.Equal(t, "A.tif", a.TifName)
	assert.Equal(t, 0.99, a.A)
	assert.Equal(t, 0.01, a.B)
	assert.Equal(t, 2.0, a.XOff)
	assert.Equal(t, -0.01, a.D)
	assert.Equal(t, 0.99, a.E)
	assert.Equal(t, 3.0, a.YOff)

	assert.Equal(t, IdentityResult("B.tif"), table[1])
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, 1e-4, reg.eps)
	assert.Equal(t, 1000, reg.iter)
	assert.Equal(t, []string{"src/A.tif", "tgt/A.tif"}, px.reads)
}

func TestCalculatePreservesOrderWithoutTargets(t *testing.T) {
	sources := []string{"s/z.tif", "s/a.tif", "s/m.tif"}
	reg := &fakeRegistrar{}
	calc := NewCalculator(NewResolver(fakeMeta{}, quietLogger()), &fakePixels{}, reg, quietLogger())

	var seen []int
	calc.OnRow = func(pos int, res Resolution, _ Result) {
		seen = append(seen, pos)
		assert.IsType(t, Unmatched{}, res)
	}

	table, err := calc.Calculate(context.Background(), sources, nil, RegistrationConfig{MaxIterations: 5, TermEps: 0.1})
	require.NoError(t, err)
	require.Len(t, table, 3)
	for i, name := range []string{"z.tif", "a.tif", "m.tif"} {
		assert.Equal(t, IdentityResult(name), table[i])
	}
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Zero(t, reg.calls)
}

func TestCalculateScalesOffsetsByPixelSize(t *testing.T) {
	md := fakeMeta{
		"s/x.tif": meta(4326, 2.5, 0.5),
		"t/x.tif": meta(4326, 2.5, 0.5),
	}
	reg := &fakeRegistrar{warp: registration.Warp{{1, 0, 4}, {0, 1, -6}}}
	calc := NewCalculator(NewResolver(md, quietLogger()), &fakePixels{}, reg, quietLogger())

	table, err := calc.Calculate(context.Background(), []string{"s/x.tif"}, []string{"t/x.tif"}, RegistrationConfig{MaxIterations: 1, TermEps: 1})
	require.NoError(t, err)
	assert.Equal(t, -10.0, table[0].XOff)
	assert.Equal(t, -3.0, table[0].YOff)
}

func TestCalculateRejectsBeforeRegistration(t *testing.T) {
	cases := []struct {
		name   string
		src    raster.Metadata
		tgt    raster.Metadata
		kind   error
		substr string
	}{
		{"crs", meta(32633, 1, 1), meta(32634, 1, 1), ErrCRSMismatch, "EPSG:32633"},
		{"height", meta(32633, 1, 1), meta(32633, 1, 1.0002), ErrPixelHeightMismatch, "pixel heights"},
		{"width", meta(32633, 1, 1), meta(32633, 1.5, 1), ErrPixelWidthMismatch, "pixel widths"},
		{"height before width", meta(32633, 1, 1), meta(32633, 2, 2), ErrPixelHeightMismatch, "x.tif"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			md := fakeMeta{"s/ok.tif": meta(32633, 1, 1), "s/x.tif": tc.src, "t/x.tif": tc.tgt}
			reg := &fakeRegistrar{}
			calc := NewCalculator(NewResolver(md, quietLogger()), &fakePixels{}, reg, quietLogger())

			table, err := calc.Calculate(context.Background(), []string{"s/ok.tif", "s/x.tif"}, []string{"t/x.tif"},
				RegistrationConfig{MaxIterations: 10, TermEps: 1e-4})
			require.Error(t, err)
			assert.Nil(t, table)
			assert.ErrorIs(t, err, tc.kind)
			assert.Contains(t, err.Error(), tc.substr)
			assert.Zero(t, reg.calls)

			var mm *MismatchError
			require.True(t, errors.As(err, &mm))
			assert.Equal(t, "x.tif", mm.TifName)
		})
	}
}

func TestResolvePixelToleranceBoundary(t *testing.T) {
	md := fakeMeta{
		"s/x.tif": meta(1, 1, 1),
		"t/x.tif": meta(1, 1, 1.00005),
	}
	r := NewResolver(md, quietLogger())
	res := r.Resolve("s/x.tif", IndexTargets([]string{"t/x.tif"}))
	m, ok := res.(Matched)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, PixelSize{X: 1, Y: 1.00005}, m.PixelSize, "y uses the target pixel height")

	r.Tolerance = 0.00004
	_, ok = r.Resolve("s/x.tif", IndexTargets([]string{"t/x.tif"})).(Rejected)
	assert.True(t, ok)
}

func TestResolveMetadataFailureIsRejected(t *testing.T) {
	md := fakeMeta{"s/x.tif": meta(1, 1, 1)}
	res := NewResolver(md, quietLogger()).Resolve("s/x.tif", IndexTargets([]string{"t/x.tif"}))
	rej, ok := res.(Rejected)
	require.True(t, ok)
	assert.ErrorIs(t, rej.Err, os.ErrNotExist)
}

func TestResolveMatchesCaseSensitively(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	res := NewResolver(fakeMeta{}, log).Resolve("s/A.tif", IndexTargets([]string{"t/a.tif"}))
	assert.IsType(t, Unmatched{}, res)
	assert.Contains(t, logs.String(), "tif_name=A.tif")
	assert.Contains(t, logs.String(), "level=WARN")
}

func TestCalculatePropagatesRegistrationFailure(t *testing.T) {
	md := fakeMeta{"s/x.tif": meta(1, 1, 1), "t/x.tif": meta(1, 1, 1)}
	reg := &fakeRegistrar{err: registration.ErrNotConverged}
	calc := NewCalculator(NewResolver(md, quietLogger()), &fakePixels{}, reg, quietLogger())

	_, err := calc.Calculate(context.Background(), []string{"s/x.tif"}, []string{"t/x.tif"}, RegistrationConfig{MaxIterations: 1, TermEps: 1})
	assert.ErrorIs(t, err, registration.ErrNotConverged)
}

func TestCalculateRejectsBadConfig(t *testing.T) {
	calc := NewCalculator(NewResolver(fakeMeta{}, quietLogger()), &fakePixels{}, &fakeRegistrar{}, quietLogger())
	_, err := calc.Calculate(context.Background(), nil, nil, RegistrationConfig{MaxIterations: 0, TermEps: 1})
	assert.Error(t, err)
	_, err = calc.Calculate(context.Background(), nil, nil, RegistrationConfig{MaxIterations: 1, TermEps: -1})
	assert.Error(t, err)
}

func TestCalculateWithGeoTIFFFiles(t *testing.T) {
	root := t.TempDir()
	opts := rastertest.Options{Width: 4, Height: 4, PixelWidth: 1, PixelHeight: 1, OriginX: 10, OriginY: 20, EPSG: 32633}
	a := rastertest.Write(t, filepath.Join(root, "source"), "A.tif", opts)
	b := rastertest.Write(t, filepath.Join(root, "source"), "B.tif", opts)
	ta := rastertest.Write(t, filepath.Join(root, "target"), "A.tif", opts)

	reader := raster.NewReader(nil)
	calc := NewCalculator(NewResolver(reader, quietLogger()), reader, &fakeRegistrar{warp: scenarioWarp}, quietLogger())
	table, err := calc.Calculate(context.Background(), []string{a, b}, []string{ta}, RegistrationConfig{MaxIterations: 1000, TermEps: 1e-4})
	require.NoError(t, err)

	out := filepath.Join(root, "output", "data", "image_translations.csv")
	require.NoError(t, table.WriteFile(out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"tif_name,a,b,d,e,xoff,yoff",
		"A.tif,0.99,0.01,-0.01,0.99,2,3",
		"B.tif,1,0,0,1,0,0",
		"",
	}, "\n"), string(data))

	back, err := ReadCSV(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, table, back)

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestReadCSVFollowsColumnNames(t *testing.T) {
	in := "yoff,xoff,tif_name,e,d,b,a\n3,2,A.tif,0.99,-0.01,0.01,0.99\n"
	table, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, Table{{TifName: "A.tif", A: 0.99, B: 0.01, D: -0.01, E: 0.99, XOff: 2, YOff: 3}}, table)

	_, err = ReadCSV(strings.NewReader(""))
	assert.Error(t, err)
}

func TestCalculateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calc := NewCalculator(NewResolver(fakeMeta{}, quietLogger()), &fakePixels{}, &fakeRegistrar{}, quietLogger())
	_, err := calc.Calculate(ctx, []string{"s/a.tif"}, nil, RegistrationConfig{MaxIterations: 1, TermEps: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
