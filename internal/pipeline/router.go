package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"geoalign/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	translate translateFunc
	check     checkFunc
}

type translateFunc func(ctx context.Context, req tasks.Request, progress func(tasks.Progress)) (tasks.Summary, error)

type checkFunc func(ctx context.Context, req tasks.Request) ([]tasks.PairReport, error)

func newRouter(logger *slog.Logger, task *tasks.TranslationTask) Processor {
	return &router{
		log:       logger,
		translate: task.Run,
		check:     task.Check,
	}
}

func (r *router) Process(ctx context.Context, job Job, progress func(tasks.Progress)) Result {
	if err := validate(job.Request); err != nil {
		return Result{Job: job, Error: err}
	}
	switch job.Type {
	case JobTranslate:
		return r.handleTranslate(ctx, job, progress)
	case JobCheck:
		return r.handleCheck(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleTranslate(ctx context.Context, job Job, progress func(tasks.Progress)) Result {
	if job.Request.OutputPath == "" {
		return Result{Job: job, Error: errors.New("translate job requires an output path")}
	}
	sum, err := r.translate(ctx, job.Request, progress)
	return Result{Job: job, Summary: sum, Error: err}
}

func (r *router) handleCheck(ctx context.Context, job Job) Result {
	reports, err := r.check(ctx, job.Request)
	if err == nil {
		rejected := 0
		for _, rep := range reports {
			if rep.Status == tasks.PairRejected {
				rejected++
			}
		}
		r.log.Info("check finished", "id", job.ID, "pairs", len(reports), "rejected", rejected)
	}
	return Result{Job: job, Reports: reports, Error: err}
}

func validate(req tasks.Request) error {
	if req.SourceDir == "" || req.TargetDir == "" {
		return errors.New("source and target directories are required")
	}
	if req.Ports == nil && req.PortsFile == "" {
		return errors.New("a ports file or explicit ports are required")
	}
	return nil
}
