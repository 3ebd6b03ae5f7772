package raster

import (
	"bufio"
	"image"
	"os"

	"golang.org/x/image/tiff"
)

// TIFFDecoder decodes integer-sampled TIFFs in pure Go.
type TIFFDecoder struct{}

// Decode reads path and converts it to luminance.
func (TIFFDecoder) Decode(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	return GridFromImage(img), nil
}

// GridFromImage converts img to a luminance grid on a 0-255 scale, using the
// ITU-R 601 weights for colour images.
func GridFromImage(img image.Image) *Grid {
	b := img.Bounds()
	g := NewGrid(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < g.Height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+g.Width]
			for x, v := range row {
				g.Pix[y*g.Width+x] = float64(v)
			}
		}
	case *image.Gray16:
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				g.Pix[y*g.Width+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 257
			}
		}
	default:
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				r, gr, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				lum := 0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(bl)
				g.Pix[y*g.Width+x] = lum / 257
			}
		}
	}
	return g
}
