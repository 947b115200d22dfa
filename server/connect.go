package server

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// connectError converts an executor error for the Connect protocol.
func connectError(err error) error {
	return connect.NewError(connect.Code(Code(err)), err)
}

// NewConnectHandler returns an HTTP handler serving the executor over the
// Connect protocol (binary or JSON), along with the path prefix to mount
// it on.
func NewConnectHandler(exec *Executor, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(RunProcedure, connect.NewUnaryHandler(
		RunProcedure,
		func(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[structpb.ListValue], error) {
			out, err := exec.Run(ctx, req.Msg.GetValue())
			if err != nil {
				return nil, connectError(err)
			}
			list, err := toList(out)
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(list), nil
		},
		opts...,
	))
	mux.Handle(UploadProcedure, connect.NewUnaryHandler(
		UploadProcedure,
		func(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[wrapperspb.StringValue], error) {
			h, err := exec.Upload(req.Msg.GetValue())
			if err != nil {
				return nil, connectError(err)
			}
			return connect.NewResponse(wrapperspb.String(h)), nil
		},
		opts...,
	))
	mux.Handle(RunStoredProcedure, connect.NewUnaryHandler(
		RunStoredProcedure,
		func(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[structpb.ListValue], error) {
			out, err := exec.RunStored(ctx, req.Msg.GetValue())
			if err != nil {
				return nil, connectError(err)
			}
			list, err := toList(out)
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(list), nil
		},
		opts...,
	))
	return "/" + ServiceName + "/", mux
}
