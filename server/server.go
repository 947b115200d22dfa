package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// shutdownGrace bounds how long in-flight requests may run after the
// server is asked to stop.
const shutdownGrace = 5 * time.Second

// Server exposes an Executor over Connect (HTTP) and plain gRPC. The two
// protocols listen on separate addresses.
type Server struct {
	exec     *Executor
	addr     string
	grpcAddr string

	mux    *http.ServeMux
	grpc   *grpc.Server
	health *health.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	grpcAddr    string
	connectOpts []connect.HandlerOption
	grpcOpts    []grpc.ServerOption
}

// WithGRPCAddr enables the gRPC listener on addr.
func WithGRPCAddr(addr string) ServerOption {
	return func(c *serverConfig) { c.grpcAddr = addr }
}

// WithConnectOptions passes options to the Connect handlers.
func WithConnectOptions(opts ...connect.HandlerOption) ServerOption {
	return func(c *serverConfig) { c.connectOpts = append(c.connectOpts, opts...) }
}

// WithGRPCOptions passes options to the gRPC server.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) { c.grpcOpts = append(c.grpcOpts, opts...) }
}

// New creates a server for exec. addr is the Connect (HTTP) address.
func New(exec *Executor, addr string, opts ...ServerOption) *Server {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		exec:     exec,
		addr:     addr,
		grpcAddr: cfg.grpcAddr,
		mux:      http.NewServeMux(),
		grpc:     grpc.NewServer(cfg.grpcOpts...),
		health:   health.NewServer(),
	}

	path, handler := NewConnectHandler(exec, cfg.connectOpts...)
	s.mux.Handle(path, handler)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	RegisterExecutorServer(s.grpc, NewExecutorServer(exec))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Handler returns the HTTP handler serving the Connect protocol.
func (s *Server) Handler() http.Handler { return s.mux }

// GRPCServer returns the underlying gRPC server.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// Serve listens on the configured addresses and serves until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	var grpcLn net.Listener
	if s.grpcAddr != "" {
		grpcLn, err = net.Listen("tcp", s.grpcAddr)
		if err != nil {
			httpLn.Close()
			return err
		}
	}
	return s.ServeListeners(ctx, httpLn, grpcLn)
}

// ServeListeners serves Connect on httpLn and, when grpcLn is not nil,
// gRPC on grpcLn. It returns once both have shut down.
func (s *Server) ServeListeners(ctx context.Context, httpLn, grpcLn net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("connect listening on %s", httpLn.Addr())
		if err := httpSrv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			log.Infof("grpc listening on %s", grpcLn.Addr())
			if err := s.grpc.Serve(grpcLn); !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("shutting down")
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		s.grpc.GracefulStop()
		return err
	})
	return g.Wait()
}
