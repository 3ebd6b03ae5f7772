// Package registration computes affine warp matrices between two images by
// maximising the enhanced correlation coefficient (ECC).
package registration

import (
	"errors"
	"fmt"
	"strings"

	"geoalign/internal/raster"
)

var (
	// ErrNotConverged reports that the iteration could not produce a transform.
	ErrNotConverged = errors.New("registration did not converge")
	// ErrEmptyImage reports a source or target without pixels.
	ErrEmptyImage = errors.New("empty input image")
)

// Warp is a 2x3 affine warp in pixel units. A target pixel (x, y) corresponds to
// source pixel (W[0][0]x + W[0][1]y + W[0][2], W[1][0]x + W[1][1]y + W[1][2]).
type Warp [2][3]float64

// Identity returns the warp that leaves an image unchanged.
func Identity() Warp {
	return Warp{{1, 0, 0}, {0, 1, 0}}
}

// Registrar computes the warp aligning source onto target.
type Registrar interface {
	ComputeWarp(source, target *raster.Grid, termEps float64, maxIter int) (Warp, error)
}

// DefaultGaussFilterSize matches the smoothing OpenCV applies before ECC.
const DefaultGaussFilterSize = 5

// Engines reports which engines this binary can run.
func Engines() map[string]bool {
	return map[string]bool{"ecc": true, "opencv": openCVCompiled}
}

// New returns the registrar registered under engine ("ecc" or "opencv").
func New(engine string, gaussFilterSize int) (Registrar, error) {
	switch strings.ToLower(engine) {
	case "", "ecc":
		return &ECC{GaussFilterSize: gaussFilterSize}, nil
	case "opencv":
		return &OpenCV{GaussFilterSize: gaussFilterSize}, nil
	default:
		return nil, fmt.Errorf("unknown registration engine: %s", engine)
	}
}

func checkInputs(source, target *raster.Grid, termEps float64, maxIter int) error {
	if source.Empty() || target.Empty() {
		return ErrEmptyImage
	}
	if maxIter < 1 {
		return fmt.Errorf("max iterations must be positive, got %d", maxIter)
	}
	if termEps <= 0 {
		return fmt.Errorf("termination epsilon must be positive, got %g", termEps)
	}
	return nil
}
