package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"geoalign/internal/config"
	"geoalign/internal/grpcserver"
	"geoalign/internal/logging"
	"geoalign/internal/notify"
	"geoalign/internal/pipeline"
	"geoalign/internal/server"
	"geoalign/internal/storage"
	"geoalign/internal/tasks"
)

// SuccessMessage is printed after a run wrote its result table.
const SuccessMessage = "Image translations completed successfully."

type serverFunc func(ctx context.Context, r *Root, httpAddr, grpcAddr string) error

func defaultServe(ctx context.Context, r *Root, httpAddr, grpcAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		errs <- server.Serve(ctx, httpAddr, r.store, r.pipeline, r.cfg.Paths, r.log)
	}()
	go func() {
		if grpcAddr == "" {
			errs <- nil
			return
		}
		errs <- grpcserver.New(r.store, r.pipeline, r.cfg.Paths, r.log).Start(ctx, grpcAddr)
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// Root wires CLI commands to the pipeline. Zero fields are built from the
// configuration on first use.
type Root struct {
	pipeline pipeline.Client
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	serveFn  serverFunc
	closers  []func()
}

// NewRoot constructs the CLI root. Any argument may be nil.
func NewRoot(pl pipeline.Client, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
		serveFn:  defaultServe,
	}
}

// init loads whatever the root was not given.
func (r *Root) init(ctx context.Context, cfgPath string) error {
	if r.cfg == nil {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		r.cfg = cfg
	}
	if r.log == nil {
		logger, closer, err := logging.Setup(r.cfg)
		if err != nil {
			return err
		}
		r.log = logger
		r.closers = append(r.closers, func() { closer.Close() })
	}
	if r.store == nil && r.cfg.Storage.Enabled {
		if err := os.MkdirAll(filepath.Dir(r.cfg.Paths.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
		store, err := storage.Open(r.cfg.Storage.Driver, r.cfg.Paths.DatabasePath)
		if err != nil {
			// the ledger is optional; runs still work without it
			r.log.Warn("run ledger unavailable", "path", r.cfg.Paths.DatabasePath, "error", err)
		} else {
			r.store = store
			r.closers = append(r.closers, func() { store.Close() })
		}
	}
	if r.pipeline == nil {
		task, err := tasks.NewTranslationTask(r.cfg.Registration, r.store, r.log)
		if err != nil {
			return err
		}
		notifier, err := notify.New(r.cfg.Notify.MQTT, r.log)
		if err != nil {
			return err
		}
		p := pipeline.New(ctx, r.cfg.Server.Workers, r.log, r.store, task, notifier)
		r.pipeline = p
		r.closers = append(r.closers, p.Stop)
	}
	return nil
}

// Close releases everything init opened, newest first.
func (r *Root) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Event, error) {
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "source", job.Request.SourceDir)
	return pipeline.Await(ctx, r.pipeline, job)
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := r.pipeline.Submit(job); err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "source", job.Request.SourceDir)
	return nil
}

// layoutFlags are the per-invocation overrides of the configured layout.
type layoutFlags struct {
	source string
	target string
	ports  string
	output string
	set    map[string]string
}

// request builds the run request for id from the configuration and flags.
// Port values given with --set are merged over the ports document.
func (r *Root) request(id string, f layoutFlags) (tasks.Request, error) {
	req := tasks.RequestFromPaths(id, r.cfg.Paths)
	if f.source != "" {
		req.SourceDir = f.source
	}
	if f.target != "" {
		req.TargetDir = f.target
	}
	if f.ports != "" {
		req.PortsFile = f.ports
	}
	if f.output != "" {
		req.OutputPath = f.output
	}
	if len(f.set) == 0 {
		return req, nil
	}

	values := map[string]string{}
	if doc, err := config.LoadPorts(req.PortsFile); err == nil {
		values = doc.Strings()
	} else if !errors.Is(err, os.ErrNotExist) {
		return req, err
	}
	for k, v := range f.set {
		values[k] = v
	}
	ports, err := config.PortsFromStrings(values)
	if err != nil {
		return req, err
	}
	req.Ports = &ports
	return req, nil
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}
