package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Fully-qualified names of the executor service and its methods.
const (
	ServiceName = "govm.v1.Executor"

	RunProcedure       = "/" + ServiceName + "/Run"
	UploadProcedure    = "/" + ServiceName + "/Upload"
	RunStoredProcedure = "/" + ServiceName + "/RunStored"
)

// ExecutorServer is the gRPC view of the executor. Programs travel as
// wire-encoded bytes and results come back as a list of plain values.
type ExecutorServer interface {
	Run(context.Context, *wrapperspb.BytesValue) (*structpb.ListValue, error)
	Upload(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	RunStored(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
}

// grpcExecutor adapts an Executor to ExecutorServer.
type grpcExecutor struct {
	exec *Executor
}

// NewExecutorServer wraps exec for registration with a grpc.Server.
func NewExecutorServer(exec *Executor) ExecutorServer {
	return &grpcExecutor{exec: exec}
}

func (g *grpcExecutor) Run(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	out, err := g.exec.Run(ctx, req.GetValue())
	if err != nil {
		return nil, status.Error(Code(err), err.Error())
	}
	return grpcList(out)
}

func (g *grpcExecutor) Upload(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	h, err := g.exec.Upload(req.GetValue())
	if err != nil {
		return nil, status.Error(Code(err), err.Error())
	}
	return wrapperspb.String(h), nil
}

func (g *grpcExecutor) RunStored(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	out, err := g.exec.RunStored(ctx, req.GetValue())
	if err != nil {
		return nil, status.Error(Code(err), err.Error())
	}
	return grpcList(out)
}

func grpcList(vals []any) (*structpb.ListValue, error) {
	list, err := toList(vals)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding results: %v", err)
	}
	return list, nil
}

// RegisterExecutorServer registers srv with s.
func RegisterExecutorServer(s grpc.ServiceRegistrar, srv ExecutorServer) {
	s.RegisterService(&executorServiceDesc, srv)
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunProcedure}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).Run(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func uploadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Upload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: UploadProcedure}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).Upload(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func runStoredHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).RunStored(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunStoredProcedure}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).RunStored(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var executorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Upload", Handler: uploadHandler},
		{MethodName: "RunStored", Handler: runStoredHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "govm/v1/executor.proto",
}

// ExecutorClient calls a remote executor over gRPC.
type ExecutorClient struct {
	cc grpc.ClientConnInterface
}

// NewExecutorClient creates a client on cc.
func NewExecutorClient(cc grpc.ClientConnInterface) *ExecutorClient {
	return &ExecutorClient{cc: cc}
}

// Run sends an encoded program and returns its results.
func (c *ExecutorClient) Run(ctx context.Context, program []byte, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, RunProcedure, wrapperspb.Bytes(program), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Upload stores an encoded program and returns its hash.
func (c *ExecutorClient) Upload(ctx context.Context, program []byte, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, UploadProcedure, wrapperspb.Bytes(program), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// RunStored runs a program previously uploaded under hash.
func (c *ExecutorClient) RunStored(ctx context.Context, hash string, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, RunStoredProcedure, wrapperspb.String(hash), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
