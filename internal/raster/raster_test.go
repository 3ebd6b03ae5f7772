package raster

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"geoalign/internal/raster/rastertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadGeoTIFFProjected(t *testing.T) {
	dir := t.TempDir()
	path := rastertest.Write(t, dir, "scene.tif", rastertest.Options{
		Width: 8, Height: 4,
		PixelWidth: 0.5, PixelHeight: 0.5,
		OriginX: 500000, OriginY: 4100000,
		EPSG: 32633,
	})

	md, err := ReadGeoTIFF(path)
	require.NoError(t, err)

	assert.Equal(t, 8, md.Width)
	assert.Equal(t, 4, md.Height)
	assert.Equal(t, 1, md.Bands)
	assert.Equal(t, CRS{EPSG: 32633}, md.CRS)
	assert.Equal(t, "EPSG:32633", md.CRS.String())
	assert.Equal(t, Transform{0.5, 0, 500000, 0, -0.5, 4100000}, md.Transform)

	fp := md.Footprint()
	assert.InDelta(t, 500000, fp.Min[0], 1e-9)
	assert.InDelta(t, 500004, fp.Max[0], 1e-9)
	assert.InDelta(t, 4099998, fp.Min[1], 1e-9)
	assert.InDelta(t, 4100000, fp.Max[1], 1e-9)
}

func TestReadGeoTIFFGeographic(t *testing.T) {
	path := rastertest.Write(t, t.TempDir(), "geo.tif", rastertest.Options{
		Width: 2, Height: 2, PixelWidth: 0.001, PixelHeight: 0.001, EPSG: 4326,
	})

	md, err := ReadGeoTIFF(path)
	require.NoError(t, err)
	assert.Equal(t, 4326, md.CRS.EPSG)
}

func TestReadGeoTIFFWithoutGeoKeys(t *testing.T) {
	path := rastertest.Write(t, t.TempDir(), "plain.tif", rastertest.Options{Width: 3, Height: 3})

	md, err := ReadGeoTIFF(path)
	require.NoError(t, err)
	assert.True(t, md.CRS.IsZero())
	assert.Equal(t, "none", md.CRS.String())
	assert.Equal(t, Transform{1, 0, 0, 0, -1, 0}, md.Transform)
}

func TestReadGeoTIFFRejectsNonTIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.tif")
	require.NoError(t, os.WriteFile(path, []byte("not a tiff at all"), 0o644))

	_, err := ReadGeoTIFF(path)
	assert.ErrorIs(t, err, ErrNotTIFF)
}

func TestReadGeoTIFFRejectsOversizedTags(t *testing.T) {
	le := binary.LittleEndian
	buf := make([]byte, 44)
	copy(buf, "II")
	le.PutUint16(buf[2:], 43)
	le.PutUint16(buf[4:], 8)
	le.PutUint64(buf[8:], 16)
	le.PutUint64(buf[16:], 1)
	le.PutUint16(buf[24:], tagImageWidth)
	le.PutUint16(buf[26:], 16)
	le.PutUint64(buf[28:], 1<<61)
	path := filepath.Join(t.TempDir(), "huge.tif")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	var err error
	require.NotPanics(t, func() { _, err = ReadGeoTIFF(path) })
	assert.ErrorContains(t, err, "too large")
}

func TestMalformedFieldsDoNotPanic(t *testing.T) {
	le := binary.LittleEndian
	u64 := func(v ...uint64) []byte {
		b := make([]byte, 8*len(v))
		for i, x := range v {
			le.PutUint64(b[8*i:], x)
		}
		return b
	}

	short := field{typ: 3, count: 100, raw: []byte{4, 0}}
	assert.Equal(t, []uint64{4}, short.uints(le))
	assert.Len(t, field{typ: 12, count: 5, raw: make([]byte, 8)}.floats(le), 1)

	cases := map[string]map[uint16]field{
		"key count past directory": {
			tagGeoKeyDirectory: {typ: 16, count: 4, raw: u64(1, 1, 0, 1<<62)},
		},
		"wide ascii reference": {
			tagGeoKeyDirectory: {typ: 16, count: 8, raw: u64(1, 1, 0, 1, keyPCSCitation, tagGeoASCIIParams, 1<<63, 1<<63)},
			tagGeoASCIIParams:  {typ: 2, count: 4, raw: []byte("abc|")},
		},
		"double reference past params": {
			tagGeoKeyDirectory: {typ: 16, count: 8, raw: u64(1, 1, 0, 1, 3074, tagGeoDoubleParams, 2, 1)},
			tagGeoDoubleParams: {typ: 12, count: 1, raw: u64(math.Float64bits(1))},
		},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = parseGeoKeys(fields, le) })
			assert.Error(t, err)
		})
	}
}

func TestCRSFromUserDefinedKeys(t *testing.T) {
	keys := map[uint16]geoKey{
		keyModelType:      {short: 1},
		keyRasterType:     {short: 1},
		keyProjectedType:  {short: userDefined},
		keyPCSCitation:    {ascii: "Custom TM"},
		3074:              {short: 16031},
		keyGeographicType: {short: 4326},
	}
	a := crsFromKeys(keys)
	assert.Zero(t, a.EPSG)
	assert.Equal(t, "1024=1;2048=4326;3072=32767;3074=16031", a.Def)

	keys[keyPCSCitation] = geoKey{ascii: "renamed"}
	assert.True(t, a.Equal(crsFromKeys(keys)), "citations must not affect identity")

	keys[3074] = geoKey{short: 16032}
	assert.False(t, a.Equal(crsFromKeys(keys)))
}

func TestPixelIsPointShiftsOrigin(t *testing.T) {
	le := binary.LittleEndian
	u16 := func(v ...uint16) []byte {
		b := make([]byte, 2*len(v))
		for i, x := range v {
			le.PutUint16(b[2*i:], x)
		}
		return b
	}
	f64 := func(v ...float64) []byte {
		b := make([]byte, 8*len(v))
		for i, x := range v {
			le.PutUint64(b[8*i:], math.Float64bits(x))
		}
		return b
	}
	fields := map[uint16]field{
		tagImageWidth:      {typ: 3, count: 1, raw: u16(4)},
		tagImageLength:     {typ: 3, count: 1, raw: u16(4)},
		tagModelPixelScale: {typ: 12, count: 3, raw: f64(2, 2, 0)},
		tagModelTiepoint:   {typ: 12, count: 6, raw: f64(0, 0, 0, 100, 200, 0)},
		tagGeoKeyDirectory: {typ: 3, count: 8, raw: u16(1, 1, 0, 1, keyRasterType, 0, 1, rasterPixelIsPoint)},
	}

	md, err := metadataFromFields(fields, le)
	require.NoError(t, err)
	assert.Equal(t, Transform{2, 0, 99, 0, -2, 201}, md.Transform)
	assert.True(t, md.CRS.IsZero())

	_, err = metadataFromFields(map[uint16]field{}, le)
	assert.Error(t, err, "dimensions are required")
}

func TestTIFFDecoderReadsPixels(t *testing.T) {
	pix := []uint8{0, 10, 20, 30, 40, 50}
	path := rastertest.Write(t, t.TempDir(), "px.tif", rastertest.Options{Width: 3, Height: 2, Pix: pix})

	g, err := NewReader(nil).ReadPixels(path)
	require.NoError(t, err)
	require.Equal(t, 3, g.Width)
	require.Equal(t, 2, g.Height)
	assert.Equal(t, 50.0, g.At(2, 1))
	assert.Equal(t, 10.0, g.At(1, 0))
}

func TestNewDecoder(t *testing.T) {
	d, err := NewDecoder("")
	require.NoError(t, err)
	assert.IsType(t, TIFFDecoder{}, d)

	d, err = NewDecoder("ImageMagick")
	require.NoError(t, err)
	assert.IsType(t, ImagickDecoder{}, d)

	_, err = NewDecoder("gdal")
	assert.Error(t, err)
}
