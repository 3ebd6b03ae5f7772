package grpcserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"geoalign/internal/config"
	"geoalign/internal/pipeline"
	"geoalign/internal/storage"
)

// completingPipeline finishes every submitted job immediately.
type completingPipeline struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	subs []chan pipeline.Event
}

func (p *completingPipeline) Submit(job pipeline.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	for _, ch := range p.subs {
		ch <- pipeline.Event{Type: pipeline.EventFailed, RunID: job.ID, JobType: job.Type, Error: "Input source_images folder does not exist."}
	}
	return nil
}

func (p *completingPipeline) Subscribe() (<-chan pipeline.Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan pipeline.Event, 4)
	p.subs = append(p.subs, ch)
	return ch, func() {}
}

func dial(t *testing.T, svc *Translations) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	svc.RegisterWithServer(s)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func layout() config.Paths {
	return config.Paths{InputRoot: "/in", SourceImages: "source_images", TargetImages: "target_images", PortsFile: "ports.json", OutputDir: "/out", OutputFile: "image_translations.csv"}
}

func TestSubmitRunQueuesJob(t *testing.T) {
	pipe := &completingPipeline{}
	client := dial(t, New(nil, pipe, layout(), quiet()))

	in, err := structpb.NewStruct(map[string]any{
		"target_dir": "/data/targets",
		"ports":      map[string]any{"n_iter": 25, "inputs_are_zips": true},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := client.SubmitRun(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "queued", out.GetFields()["status"].GetStringValue())
	assert.Equal(t, "translate", out.GetFields()["type"].GetStringValue())

	require.Len(t, pipe.jobs, 1)
	req := pipe.jobs[0].Request
	assert.Equal(t, "/in/source_images", req.SourceDir)
	assert.Equal(t, "/data/targets", req.TargetDir)
	assert.Equal(t, "/out/image_translations.csv", req.OutputPath)
	require.NotNil(t, req.Ports)
	assert.Equal(t, config.Ports{NIter: 25, TermEps: 1e-4, InputsAreZips: true}, *req.Ports)
}

func TestSubmitRunWaitReturnsFinalEvent(t *testing.T) {
	client := dial(t, New(nil, &completingPipeline{}, layout(), quiet()))

	in, err := structpb.NewStruct(map[string]any{"wait": true, "check": true})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := client.SubmitRun(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "failed", out.GetFields()["type"].GetStringValue())
	assert.Equal(t, "check", out.GetFields()["job_type"].GetStringValue())
	assert.Equal(t, "Input source_images folder does not exist.", out.GetFields()["error"].GetStringValue())
}

func TestSubmitRunRejectsBadPorts(t *testing.T) {
	client := dial(t, New(nil, &completingPipeline{}, layout(), quiet()))
	in, err := structpb.NewStruct(map[string]any{"ports": map[string]any{"n_iter": "lots"}})
	require.NoError(t, err)

	_, err = client.SubmitRun(context.Background(), in)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetRun(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.RecordRunQueued(storage.RunRecord{ID: "run-1", SourceDir: "/s"}))
	require.NoError(t, store.RecordRows("run-1", []storage.ResultRow{{Position: 0, TifName: "A.tif", A: 1, E: 1, XOff: 2.5}}))
	require.NoError(t, store.RecordRunResult("run-1", storage.StatusSuccess, 1, 0, ""))

	client := dial(t, New(store, &completingPipeline{}, layout(), quiet()))
	ctx := context.Background()

	in, _ := structpb.NewStruct(map[string]any{"id": "run-1"})
	out, err := client.GetRun(ctx, in)
	require.NoError(t, err)
	f := out.GetFields()
	assert.Equal(t, "success", f["status"].GetStringValue())
	assert.Equal(t, "/s", f["source_dir"].GetStringValue())
	results := f["results"].GetListValue().GetValues()
	require.Len(t, results, 1)
	row := results[0].GetStructValue().GetFields()
	assert.Equal(t, "A.tif", row["tif_name"].GetStringValue())
	assert.Equal(t, 2.5, row["xoff"].GetNumberValue())

	in, _ = structpb.NewStruct(map[string]any{"id": "nope"})
	_, err = client.GetRun(ctx, in)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetRun(ctx, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
