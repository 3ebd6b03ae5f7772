// Package translate pairs source rasters with their targets and turns the
// registration warp of each pair into georeferencing coefficients.
package translate

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"geoalign/internal/raster"
)

// DefaultPixelTolerance is the largest pixel size difference accepted between
// a source and its target. Differences equal to it are rejected.
const DefaultPixelTolerance = 1e-4

var (
	ErrCRSMismatch         = errors.New("source and reference raster do not have matching coordinate reference systems")
	ErrPixelHeightMismatch = errors.New("pixel heights do not match")
	ErrPixelWidthMismatch  = errors.New("pixel widths do not match")
)

// MismatchError reports a pair that failed geospatial validation.
type MismatchError struct {
	Kind    error
	TifName string
	Source  string
	Target  string
}

func (e *MismatchError) Error() string {
	switch e.Kind {
	case ErrPixelHeightMismatch:
		return fmt.Sprintf("source and target images for %s do not have matching pixel heights (%s vs %s)", e.TifName, e.Source, e.Target)
	case ErrPixelWidthMismatch:
		return fmt.Sprintf("source and target images for %s do not have matching pixel widths (%s vs %s)", e.TifName, e.Source, e.Target)
	default:
		return fmt.Sprintf("%s: %v (%s vs %s)", e.TifName, e.Kind, e.Source, e.Target)
	}
}

func (e *MismatchError) Unwrap() error { return e.Kind }

// PixelSize is the ground size of one pixel. Y is positive for north-up rasters.
type PixelSize struct {
	X float64
	Y float64
}

// Resolution is the outcome of resolving one source file: Matched, Unmatched
// or Rejected.
type Resolution interface {
	TifName() string
	resolution()
}

// Matched is a validated pair ready for registration.
type Matched struct {
	Source    string
	Target    string
	PixelSize PixelSize
}

// Unmatched is a source without a same-named target.
type Unmatched struct {
	Source string
}

// Rejected is a pair that cannot be processed. Err is fatal for the batch.
type Rejected struct {
	Source string
	Err    error
}

func (m Matched) TifName() string   { return filepath.Base(m.Source) }
func (u Unmatched) TifName() string { return filepath.Base(u.Source) }
func (r Rejected) TifName() string  { return filepath.Base(r.Source) }

func (Matched) resolution()   {}
func (Unmatched) resolution() {}
func (Rejected) resolution()  {}

// MetadataReader reads georeferencing without decoding pixels.
type MetadataReader interface {
	ReadMetadata(path string) (raster.Metadata, error)
}

// Targets indexes target paths by base filename.
type Targets map[string]string

// IndexTargets builds a Targets index. The first path wins on duplicate names.
func IndexTargets(paths []string) Targets {
	idx := make(Targets, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if _, ok := idx[name]; !ok {
			idx[name] = p
		}
	}
	return idx
}

// Resolver pairs sources with targets and validates each pair.
type Resolver struct {
	meta      MetadataReader
	log       *slog.Logger
	Tolerance float64
}

// NewResolver returns a Resolver using DefaultPixelTolerance.
func NewResolver(meta MetadataReader, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{meta: meta, log: log, Tolerance: DefaultPixelTolerance}
}

// Resolve finds the target for source by base filename and checks that both
// rasters share a CRS and pixel size.
func (r *Resolver) Resolve(source string, targets Targets) Resolution {
	name := filepath.Base(source)
	target, ok := targets[name]
	if !ok {
		r.log.Warn("target image missing, using identity transform", "tif_name", name)
		return Unmatched{Source: source}
	}

	src, err := r.meta.ReadMetadata(source)
	if err != nil {
		return Rejected{Source: source, Err: fmt.Errorf("read source metadata %s: %w", source, err)}
	}
	tgt, err := r.meta.ReadMetadata(target)
	if err != nil {
		return Rejected{Source: source, Err: fmt.Errorf("read target metadata %s: %w", target, err)}
	}

	if !src.CRS.Equal(tgt.CRS) {
		return Rejected{Source: source, Err: &MismatchError{
			Kind: ErrCRSMismatch, TifName: name,
			Source: src.CRS.String(), Target: tgt.CRS.String(),
		}}
	}

	srcX, srcY := src.Transform[0], -src.Transform[4]
	tgtX, tgtY := tgt.Transform[0], -tgt.Transform[4]
	if math.Abs(srcY-tgtY) >= r.Tolerance {
		return Rejected{Source: source, Err: &MismatchError{
			Kind: ErrPixelHeightMismatch, TifName: name,
			Source: formatSize(srcY), Target: formatSize(tgtY),
		}}
	}
	if math.Abs(srcX-tgtX) >= r.Tolerance {
		return Rejected{Source: source, Err: &MismatchError{
			Kind: ErrPixelWidthMismatch, TifName: name,
			Source: formatSize(srcX), Target: formatSize(tgtX),
		}}
	}

	if !src.Footprint().Intersects(tgt.Footprint()) {
		r.log.Warn("source and target footprints do not overlap", "tif_name", name,
			"source_bounds", src.Footprint(), "target_bounds", tgt.Footprint())
	}

	return Matched{
		Source:    source,
		Target:    target,
		PixelSize: PixelSize{X: srcX, Y: tgtY},
	}
}

func formatSize(v float64) string {
	return fmt.Sprintf("%g", v)
}
