// Package raster reads georeferencing metadata and pixel data from raster files.
package raster

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// ErrNotTIFF is returned when a file does not carry a TIFF header.
var ErrNotTIFF = errors.New("not a TIFF file")

// Transform is an affine geotransform in (a, b, c, d, e, f) order:
//
//	x = a*col + b*row + c
//	y = d*col + e*row + f
//
// Index 0 is the pixel width and index 4 the (usually negative) pixel height.
type Transform [6]float64

// IdentityTransform is the transform of a raster without georeferencing.
var IdentityTransform = Transform{1, 0, 0, 0, 1, 0}

// Apply maps a pixel position to CRS coordinates.
func (t Transform) Apply(col, row float64) (x, y float64) {
	return t[0]*col + t[1]*row + t[2], t[3]*col + t[4]*row + t[5]
}

// CRS identifies a coordinate reference system. EPSG-coded systems compare by
// code; user-defined systems compare by their canonical GeoKey listing.
type CRS struct {
	EPSG int
	Def  string
}

// IsZero reports whether no CRS was declared.
func (c CRS) IsZero() bool { return c.EPSG == 0 && c.Def == "" }

// Equal reports whether two CRSs describe the same system.
func (c CRS) Equal(o CRS) bool { return c == o }

func (c CRS) String() string {
	switch {
	case c.EPSG > 0:
		return fmt.Sprintf("EPSG:%d", c.EPSG)
	case c.Def != "":
		return c.Def
	default:
		return "none"
	}
}

// Metadata is the georeferencing information of a raster, read without pixels.
type Metadata struct {
	Width     int
	Height    int
	Bands     int
	CRS       CRS
	Transform Transform
}

// Footprint returns the bounding box of the raster in CRS units.
func (m Metadata) Footprint() orb.Bound {
	w, h := float64(m.Width), float64(m.Height)
	corners := orb.MultiPoint{}
	for _, c := range [][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
		x, y := m.Transform.Apply(c[0], c[1])
		corners = append(corners, orb.Point{x, y})
	}
	return corners.Bound()
}

// Grid is a single-band float image in row-major order.
type Grid struct {
	Width  int
	Height int
	Pix    []float64
}

// NewGrid allocates a zeroed grid.
func NewGrid(width, height int) *Grid {
	return &Grid{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// Empty reports whether the grid holds no pixels.
func (g *Grid) Empty() bool {
	return g == nil || g.Width == 0 || g.Height == 0 || len(g.Pix) < g.Width*g.Height
}

// At returns the pixel at column x, row y.
func (g *Grid) At(x, y int) float64 { return g.Pix[y*g.Width+x] }

// Set stores v at column x, row y.
func (g *Grid) Set(x, y int, v float64) { g.Pix[y*g.Width+x] = v }

// Decoder loads the pixels of a raster file as a single luminance band.
type Decoder interface {
	Decode(path string) (*Grid, error)
}

// Reader exposes metadata and pixel reads for a raster path.
type Reader struct {
	decoder Decoder
}

// NewReader returns a Reader that decodes pixels with d.
func NewReader(d Decoder) *Reader {
	if d == nil {
		d = TIFFDecoder{}
	}
	return &Reader{decoder: d}
}

// Decoders reports which pixel decoders this binary can run.
func Decoders() map[string]bool {
	return map[string]bool{"tiff": true, "imagick": imagickCompiled}
}

// NewDecoder returns the decoder registered under name ("tiff" or "imagick").
func NewDecoder(name string) (Decoder, error) {
	switch strings.ToLower(name) {
	case "", "tiff":
		return TIFFDecoder{}, nil
	case "imagick", "imagemagick":
		return ImagickDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown raster decoder: %s", name)
	}
}

// ReadMetadata reads the CRS and geotransform of path.
func (r *Reader) ReadMetadata(path string) (Metadata, error) {
	return ReadGeoTIFF(path)
}

// ReadPixels decodes the full pixel array of path.
func (r *Reader) ReadPixels(path string) (*Grid, error) {
	g, err := r.decoder.Decode(path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return g, nil
}
