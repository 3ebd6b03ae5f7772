//go:build !imagick

package raster

import "errors"

const imagickCompiled = false

// ImagickDecoder is unavailable in builds without the imagick tag.
type ImagickDecoder struct{}

// Decode always fails; rebuild with -tags imagick to enable it.
func (ImagickDecoder) Decode(path string) (*Grid, error) {
	return nil, errors.New("imagick decoder not compiled in (build with -tags imagick)")
}
