package translate

import (
	"context"
	"fmt"
	"log/slog"

	"geoalign/internal/raster"
	"geoalign/internal/registration"
)

// RegistrationConfig is passed unchanged to every registration call.
type RegistrationConfig struct {
	MaxIterations int
	TermEps       float64
}

// Validate checks that both settings are positive.
func (c RegistrationConfig) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("n_iter must be positive, got %d", c.MaxIterations)
	}
	if c.TermEps <= 0 {
		return fmt.Errorf("term_eps must be positive, got %g", c.TermEps)
	}
	return nil
}

// PixelReader decodes a raster into a single band.
type PixelReader interface {
	ReadPixels(path string) (*raster.Grid, error)
}

// RowFunc observes each row as soon as it is computed. position is zero based.
type RowFunc func(position int, res Resolution, row Result)

// Calculator turns pairs of source and target rasters into a Table.
type Calculator struct {
	resolver  *Resolver
	pixels    PixelReader
	registrar registration.Registrar
	log       *slog.Logger

	// OnRow, when set, is called after every row.
	OnRow RowFunc
}

// NewCalculator wires a calculator.
func NewCalculator(resolver *Resolver, pixels PixelReader, registrar registration.Registrar, log *slog.Logger) *Calculator {
	if log == nil {
		log = slog.Default()
	}
	return &Calculator{resolver: resolver, pixels: pixels, registrar: registrar, log: log}
}

// Calculate returns one row per source in input order. The first rejected
// pair or registration failure aborts the batch and no table is returned.
func (c *Calculator) Calculate(ctx context.Context, sources, targets []string, cfg RegistrationConfig) (Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	index := IndexTargets(targets)

	table := make(Table, 0, len(sources))
	for i, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := c.resolver.Resolve(source, index)
		var row Result
		switch r := res.(type) {
		case Unmatched:
			row = IdentityResult(r.TifName())
		case Rejected:
			return nil, r.Err
		case Matched:
			w, err := c.register(r, cfg)
			if err != nil {
				return nil, err
			}
			row = ResultFromWarp(r.TifName(), w, r.PixelSize)
			c.log.Debug("pair registered", "tif_name", row.TifName,
				"a", row.A, "b", row.B, "d", row.D, "e", row.E, "xoff", row.XOff, "yoff", row.YOff)
		}

		table = append(table, row)
		if c.OnRow != nil {
			c.OnRow(i, res, row)
		}
	}
	return table, nil
}

func (c *Calculator) register(m Matched, cfg RegistrationConfig) (registration.Warp, error) {
	src, err := c.pixels.ReadPixels(m.Source)
	if err != nil {
		return registration.Warp{}, fmt.Errorf("read source pixels: %w", err)
	}
	tgt, err := c.pixels.ReadPixels(m.Target)
	if err != nil {
		return registration.Warp{}, fmt.Errorf("read target pixels: %w", err)
	}
	w, err := c.registrar.ComputeWarp(src, tgt, cfg.TermEps, cfg.MaxIterations)
	if err != nil {
		return registration.Warp{}, fmt.Errorf("register %s: %w", m.TifName(), err)
	}
	return w, nil
}

// ResultFromWarp converts a pixel-space warp into georeferencing coefficients.
// The x offset is negated and scaled by the source pixel width; the y offset is
// scaled by the target pixel height.
func ResultFromWarp(tifName string, w registration.Warp, ps PixelSize) Result {
	return Result{
		TifName: tifName,
		A:       w[0][0],
		B:       w[0][1],
		XOff:    w[0][2] * -1 * ps.X,
		D:       w[1][0],
		E:       w[1][1],
		YOff:    w[1][2] * 1 * ps.Y,
	}
}
