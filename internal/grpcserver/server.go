package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"geoalign/internal/config"
	"geoalign/internal/pipeline"
	"geoalign/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "geoalign.v1.Translations"

const (
	submitRunMethod = "/" + ServiceName + "/SubmitRun"
	getRunMethod    = "/" + ServiceName + "/GetRun"
)

// TranslationsServer is the server API of geoalign.v1.Translations. Requests
// and responses are generic structs so that clients need no generated stubs.
type TranslationsServer interface {
	SubmitRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes geoalign.v1.Translations for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranslationsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitRun", Handler: submitRunHandler},
		{MethodName: "GetRun", Handler: getRunHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "geoalign/v1/translations.proto",
}

func submitRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TranslationsServer).SubmitRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitRunMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TranslationsServer).SubmitRun(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TranslationsServer).GetRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getRunMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TranslationsServer).GetRun(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls geoalign.v1.Translations.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) SubmitRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitRunMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getRunMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Translations implements TranslationsServer on top of a pipeline and the run
// ledger.
type Translations struct {
	store    *storage.Store
	pipeline pipeline.Client
	paths    config.Paths
	log      *slog.Logger
}

// New creates the service.
func New(store *storage.Store, pipe pipeline.Client, paths config.Paths, log *slog.Logger) *Translations {
	if log == nil {
		log = slog.Default()
	}
	return &Translations{store: store, pipeline: pipe, paths: paths, log: log}
}

// RegisterWithServer registers the service with a gRPC server.
func (t *Translations) RegisterWithServer(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, t)
}

// Start serves on addr until ctx is done.
func (t *Translations) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := grpc.NewServer()
	t.RegisterWithServer(s)

	go func() {
		<-ctx.Done()
		t.log.Info("shutting down grpc server")
		s.GracefulStop()
	}()

	t.log.Info("grpc server starting", "addr", addr)
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SubmitRun queues a run. With "wait": true it blocks until the run finishes
// and returns its final event.
func (t *Translations) SubmitRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sr := submitRequest(in)
	prefix := "run"
	if sr.Check {
		prefix = "check"
	}
	job, err := sr.Job(pipeline.NewID(prefix), t.paths)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if in.GetFields()["wait"].GetBoolValue() {
		ev, err := pipeline.Await(ctx, t.pipeline, job)
		if err != nil && ev.RunID == "" {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return toStruct(ev)
	}

	if err := t.pipeline.Submit(job); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	t.log.Info("run queued", "id", job.ID, "type", job.Type, "via", "grpc")
	return structpb.NewStruct(map[string]any{"id": job.ID, "type": string(job.Type), "status": storage.StatusQueued})
}

// GetRun returns the ledger entry of {"id": ...} with its result rows.
func (t *Translations) GetRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := t.store.Run(id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, status.Errorf(codes.NotFound, "run %s not found", id)
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	rows, err := t.store.RunRows(id)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if rows == nil {
		rows = []storage.ResultRow{}
	}
	return toStruct(struct {
		storage.RunRecord
		Results []storage.ResultRow `json:"results"`
	}{rec, rows})
}

func submitRequest(in *structpb.Struct) pipeline.SubmitRequest {
	f := in.GetFields()
	sr := pipeline.SubmitRequest{
		SourceDir:  f["source_dir"].GetStringValue(),
		TargetDir:  f["target_dir"].GetStringValue(),
		PortsFile:  f["ports_file"].GetStringValue(),
		OutputPath: f["output_path"].GetStringValue(),
		Check:      f["check"].GetBoolValue(),
	}
	if ports := f["ports"].GetStructValue(); ports != nil {
		sr.Ports = make(map[string]string, len(ports.GetFields()))
		for k, v := range ports.GetFields() {
			sr.Ports[k] = scalar(v)
		}
	}
	return sr
}

func scalar(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'g', -1, 64)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	default:
		return ""
	}
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}
