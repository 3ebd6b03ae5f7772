//go:build imagick

package raster

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

const imagickCompiled = true

// ImagickDecoder decodes through ImageMagick, which covers floating-point and
// JPEG-compressed TIFFs that the pure Go decoder rejects.
type ImagickDecoder struct{}

// Decode reads the first image in path and exports its intensity channel.
func (ImagickDecoder) Decode(path string) (*Grid, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagick read: %w", err)
	}
	mw.SetFirstIterator()

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	px, err := mw.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_DOUBLE)
	if err != nil {
		return nil, fmt.Errorf("imagick export: %w", err)
	}
	vals, ok := px.([]float64)
	if !ok || len(vals) != int(w*h) {
		return nil, fmt.Errorf("imagick export returned %T with unexpected length", px)
	}

	g := NewGrid(int(w), int(h))
	for i, v := range vals {
		g.Pix[i] = v * 255
	}
	return g, nil
}
