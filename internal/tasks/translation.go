package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"geoalign/internal/config"
	"geoalign/internal/fsutil"
	"geoalign/internal/logging"
	"geoalign/internal/raster"
	"geoalign/internal/registration"
	"geoalign/internal/storage"
	"geoalign/internal/translate"
)

// Input port names.
const (
	PortSourceImages = "source_images"
	PortTargetImages = "target_images"
)

// Pair statuses reported through Progress and stored as pair events.
const (
	PairMatched   = "matched"
	PairUnmatched = "unmatched"
	PairRejected  = "rejected"
)

// Request describes one batch run.
type Request struct {
	RunID      string
	SourceDir  string
	TargetDir  string
	PortsFile  string
	OutputPath string
	// Ports, when set, replaces the ports document.
	Ports *config.Ports
}

// RequestFromPaths builds the request of the configured batch layout.
func RequestFromPaths(id string, p config.Paths) Request {
	return Request{
		RunID:      id,
		SourceDir:  p.SourceDir(),
		TargetDir:  p.TargetDir(),
		PortsFile:  p.Ports(),
		OutputPath: p.OutputPath(),
	}
}

// Summary describes a finished run.
type Summary struct {
	RunID      string          `json:"run_id"`
	Rows       int             `json:"rows"`
	Matched    int             `json:"matched"`
	Unmatched  int             `json:"unmatched"`
	OutputPath string          `json:"output_path"`
	Duration   time.Duration   `json:"duration"`
	Ports      config.Ports    `json:"ports"`
	Table      translate.Table `json:"-"`
}

// Progress reports one computed row.
type Progress struct {
	RunID    string           `json:"run_id"`
	Position int              `json:"position"`
	Total    int              `json:"total"`
	TifName  string           `json:"tif_name"`
	Status   string           `json:"status"`
	Row      translate.Result `json:"row"`
}

// RasterReader reads both metadata and pixels.
type RasterReader interface {
	translate.MetadataReader
	translate.PixelReader
}

// TranslationTask runs the full batch: ports, input preparation, registration
// of every pair and the result table.
type TranslationTask struct {
	Reader    RasterReader
	Registrar registration.Registrar
	Tolerance float64
	Store     *storage.Store
	Log       *slog.Logger
}

// NewTranslationTask builds a task from the registration settings of cfg.
func NewTranslationTask(cfg config.Registration, store *storage.Store, log *slog.Logger) (*TranslationTask, error) {
	dec, err := raster.NewDecoder(cfg.Decoder)
	if err != nil {
		return nil, err
	}
	reg, err := registration.New(cfg.Engine, cfg.GaussFilterSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &TranslationTask{
		Reader:    raster.NewReader(dec),
		Registrar: reg,
		Tolerance: cfg.PixelTolerance,
		Store:     store,
		Log:       log,
	}, nil
}

// LoadPorts returns req.Ports or parses req.PortsFile.
func (t *TranslationTask) LoadPorts(req Request) (config.Ports, error) {
	if req.Ports != nil {
		return *req.Ports, nil
	}
	return config.LoadPorts(req.PortsFile)
}

// PrepareInputs validates both input ports and lists their rasters.
func PrepareInputs(req Request, ports config.Ports) (sources, targets []string, err error) {
	sources, err = fsutil.PrepareInput(PortSourceImages, req.SourceDir, ports.InputsAreZips)
	if err != nil {
		return nil, nil, err
	}
	targets, err = fsutil.PrepareInput(PortTargetImages, req.TargetDir, ports.InputsAreZips)
	if err != nil {
		return nil, nil, err
	}
	return sources, targets, nil
}

// Run executes the batch. The output file is written only when every pair
// succeeded; any fatal error leaves no output behind.
func (t *TranslationTask) Run(ctx context.Context, req Request, progress func(Progress)) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: req.RunID, OutputPath: req.OutputPath}

	ports, err := t.LoadPorts(req)
	if err != nil {
		return sum, err
	}
	sum.Ports = ports

	sources, targets, err := PrepareInputs(req, ports)
	if err != nil {
		return sum, err
	}

	matched := make(map[int]bool, len(sources))
	calc := t.calculator()
	calc.OnRow = func(pos int, res translate.Resolution, row translate.Result) {
		status := PairUnmatched
		if _, ok := res.(translate.Matched); ok {
			status = PairMatched
			matched[pos] = true
			sum.Matched++
		} else {
			sum.Unmatched++
		}
		logging.LogPairStep(t.logger(), req.RunID, row.TifName, status, pos+1, len(sources))
		t.recordPairEvent(storage.PairEvent{RunID: req.RunID, TifName: row.TifName, Kind: status})
		if progress != nil {
			progress(Progress{RunID: req.RunID, Position: pos, Total: len(sources), TifName: row.TifName, Status: status, Row: row})
		}
	}

	table, err := calc.Calculate(ctx, sources, targets, translate.RegistrationConfig{
		MaxIterations: ports.NIter,
		TermEps:       ports.TermEps,
	})
	if err != nil {
		if mm, ok := asMismatch(err); ok {
			t.recordPairEvent(storage.PairEvent{RunID: req.RunID, TifName: mm.TifName, Kind: PairRejected, Message: err.Error()})
		}
		return sum, err
	}

	if err := table.WriteFile(req.OutputPath); err != nil {
		return sum, fmt.Errorf("write result table: %w", err)
	}
	if err := t.Store.RecordRows(req.RunID, StorageRows(table, matched)); err != nil {
		t.logger().Warn("failed to store result rows", "run_id", req.RunID, "error", err)
	}

	sum.Rows = len(table)
	sum.Table = table
	sum.Duration = time.Since(start)
	return sum, nil
}

// PairReport is the validation outcome of one source image.
type PairReport struct {
	TifName string  `json:"tif_name"`
	Status  string  `json:"status"`
	Target  string  `json:"target,omitempty"`
	PixelX  float64 `json:"pixel_size_x,omitempty"`
	PixelY  float64 `json:"pixel_size_y,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Check resolves every pair without registering any of them. Unlike Run it
// does not stop at the first rejected pair. Archives are not extracted.
func (t *TranslationTask) Check(ctx context.Context, req Request) ([]PairReport, error) {
	ports, err := t.LoadPorts(req)
	if err != nil {
		return nil, err
	}
	ports.InputsAreZips = false
	sources, targets, err := PrepareInputs(req, ports)
	if err != nil {
		return nil, err
	}

	resolver := t.resolver()
	index := translate.IndexTargets(targets)
	reports := make([]PairReport, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch r := resolver.Resolve(src, index).(type) {
		case translate.Matched:
			reports = append(reports, PairReport{TifName: r.TifName(), Status: PairMatched, Target: r.Target, PixelX: r.PixelSize.X, PixelY: r.PixelSize.Y})
		case translate.Unmatched:
			reports = append(reports, PairReport{TifName: r.TifName(), Status: PairUnmatched})
		case translate.Rejected:
			reports = append(reports, PairReport{TifName: r.TifName(), Status: PairRejected, Error: r.Err.Error()})
		}
	}
	return reports, nil
}

func (t *TranslationTask) resolver() *translate.Resolver {
	r := translate.NewResolver(&recordingReader{RasterReader: t.Reader, store: t.Store, log: t.logger()}, t.logger())
	if t.Tolerance > 0 {
		r.Tolerance = t.Tolerance
	}
	return r
}

func (t *TranslationTask) calculator() *translate.Calculator {
	return translate.NewCalculator(t.resolver(), t.Reader, t.Registrar, t.logger())
}

func (t *TranslationTask) recordPairEvent(ev storage.PairEvent) {
	if err := t.Store.RecordPairEvent(ev); err != nil {
		t.logger().Warn("failed to record pair event", "run_id", ev.RunID, "tif_name", ev.TifName, "error", err)
	}
}

func (t *TranslationTask) logger() *slog.Logger {
	if t.Log == nil {
		return slog.Default()
	}
	return t.Log
}
