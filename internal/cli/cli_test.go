package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"geoalign/internal/config"
	"geoalign/internal/pipeline"
	"geoalign/internal/storage"
	"geoalign/internal/tasks"
)

func TestRunPrintsSuccessMessage(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)

	if err := execute(root, "run"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != SuccessMessage {
		t.Fatalf("expected success message, got %q", got)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobTranslate {
		t.Fatalf("expected translate job, got %s", job.Type)
	}
	if job.Request.SourceDir != root.cfg.Paths.SourceDir() || job.Request.OutputPath != root.cfg.Paths.OutputPath() {
		t.Fatalf("expected configured layout, got %+v", job.Request)
	}
	if job.Request.Ports != nil {
		t.Fatalf("expected the ports document to be used, got override %+v", job.Request.Ports)
	}
}

func TestRunFlagsOverrideLayout(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	if err := os.WriteFile(root.cfg.Paths.Ports(), []byte(`{"term_eps": "0.01", "inputs_are_zips": "true"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	outPath := filepath.Join(t.TempDir(), "table.csv")

	if err := execute(root, "run", "--source", src, "--output", outPath, "--set", "n_iter=7"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	req := fakePipe.jobs[0].Request
	if req.SourceDir != src || req.OutputPath != outPath {
		t.Fatalf("flags not applied: %+v", req)
	}
	want := config.Ports{NIter: 7, TermEps: 0.01, InputsAreZips: true}
	if req.Ports == nil || *req.Ports != want {
		t.Fatalf("expected merged ports %+v, got %+v", want, req.Ports)
	}
}

func TestRunReportsFailure(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	fakePipe.failWith = "source and target images for A.tif have different CRS"

	err := execute(root, "run")
	if err == nil || err.Error() != fakePipe.failWith {
		t.Fatalf("expected pipeline error, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no success output, got %q", out.String())
	}
}

func TestRunRejectsBadPortOverride(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	err := execute(root, "run", "--set", "n_iter=abc")
	if err == nil || !strings.Contains(err.Error(), "Inputs abc cannot be converted to type Integer") {
		t.Fatalf("expected conversion error, got %v", err)
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("expected no job to be queued")
	}
}

func TestCheckListsPairs(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	fakePipe.reports = []tasks.PairReport{
		{TifName: "A.tif", Status: tasks.PairMatched, Target: "/t/A.tif"},
		{TifName: "B.tif", Status: tasks.PairUnmatched},
	}
	if err := execute(root, "check"); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if fakePipe.jobs[0].Type != pipeline.JobCheck {
		t.Fatalf("expected check job, got %s", fakePipe.jobs[0].Type)
	}
	if !strings.Contains(out.String(), "A.tif") || !strings.Contains(out.String(), "unmatched") {
		t.Fatalf("unexpected output %q", out.String())
	}

	fakePipe.reports = append(fakePipe.reports, tasks.PairReport{TifName: "C.tif", Status: tasks.PairRejected, Error: "pixel widths differ"})
	if err := execute(root, "check"); err == nil {
		t.Fatalf("expected error when a pair is rejected")
	}
}

func TestServeUsesConfiguredAddresses(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var gotHTTP, gotGRPC string
	root.serveFn = func(ctx context.Context, r *Root, httpAddr, grpcAddr string) error {
		gotHTTP, gotGRPC = httpAddr, grpcAddr
		return nil
	}
	if err := execute(root, "serve", "--grpc", ""); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotHTTP != root.cfg.Server.HTTPAddr || gotGRPC != "" {
		t.Fatalf("unexpected addresses %q %q", gotHTTP, gotGRPC)
	}
}

func TestRunsListsLedger(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(root, "runs"); err == nil {
		t.Fatalf("expected error without a ledger")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	root.store = store
	_ = store.RecordRunQueued(storage.RunRecord{ID: "run-1", SourceDir: "/s"})
	_ = store.RecordRows("run-1", []storage.ResultRow{{Position: 0, TifName: "A.tif", A: 1, E: 1}})
	_ = store.RecordRunResult("run-1", storage.StatusSuccess, 1, 1, "")

	if err := execute(root, "runs"); err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out.String(), "run-1") || !strings.Contains(out.String(), "success") {
		t.Fatalf("unexpected listing %q", out.String())
	}

	out.Reset()
	if err := execute(root, "runs", "run-1"); err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	if !strings.Contains(out.String(), "tif_name,a,b,d,e,xoff,yoff\nA.tif,1,0,0,1,0,0\n") {
		t.Fatalf("expected result table, got %q", out.String())
	}

	out.Reset()
	written := filepath.Join(t.TempDir(), "image_translations.csv")
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(os.WriteFile(written, []byte("tif_name,a,b,d,e,xoff,yoff\nB.tif,1,0,0,1,0,0\n"), 0o644))
	must(store.RecordRunQueued(storage.RunRecord{ID: "run-2", SourceDir: "/s", OutputPath: written}))
	must(store.RecordRunResult("run-2", storage.StatusSuccess, 1, 0, ""))
	if err := execute(root, "runs", "run-2"); err != nil {
		t.Fatalf("runs show without stored rows failed: %v", err)
	}
	if !strings.Contains(out.String(), "tif_name,a,b,d,e,xoff,yoff\nB.tif,1,0,0,1,0,0\n") {
		t.Fatalf("expected table read back from %s, got %q", written, out.String())
	}

	if err := execute(root, "runs", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInfoCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(root, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "geoalign "+Version) {
		t.Fatalf("expected version string, got %q", out.String())
	}
	if !strings.Contains(out.String(), "ecc: available") || !strings.Contains(out.String(), "tiff: available") {
		t.Fatalf("expected built-in engine and decoder, got %q", out.String())
	}

	out.Reset()
	if err := execute(root, "config", "show"); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), "Engine: ecc") {
		t.Fatalf("expected engine in config output, got %q", out.String())
	}
}

func TestUniqKeepsOrder(t *testing.T) {
	got := uniq([]string{"/in/a", "/in", "/in/a/", "/in"})
	if len(got) != 2 || got[0] != "/in/a" || got[1] != "/in" {
		t.Fatalf("unexpected %v", got)
	}
}

// Test helpers

func execute(root *Root, args ...string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cmd.ExecuteContext(ctx)
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.InputRoot = filepath.Join(tmp, "input")
	cfg.Paths.OutputDir = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "geoalign.db")
	cfg.Storage.Enabled = false
	if err := os.MkdirAll(cfg.Paths.InputRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	out := &bytes.Buffer{}

	root := NewRoot(pipe, cfg, logger, nil)
	root.out = out
	return root, pipe, out
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Event
	nextSubID int
	failWith  string
	reports   []tasks.PairReport
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{subs: make(map[int]chan pipeline.Event)}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Event, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	ev := pipeline.Event{Type: pipeline.EventCompleted, RunID: job.ID, JobType: job.Type}
	if f.failWith != "" {
		ev.Type = pipeline.EventFailed
		ev.Error = f.failWith
	} else if job.Type == pipeline.JobCheck {
		ev.Reports = f.reports
	} else {
		ev.Summary = &tasks.Summary{RunID: job.ID, OutputPath: job.Request.OutputPath, Rows: 1}
	}
	f.mu.Unlock()

	go func() {
		for _, ch := range subs {
			ch <- ev
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Event, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}
