package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chazu/govm/config"
	"github.com/chazu/govm/progcache"
	"github.com/chazu/govm/server"
)

// cachePath returns the configured cache database, defaulting to a file
// in the user cache directory.
func cachePath(cfg *config.Config) (string, error) {
	if cfg.Cache.Path != "" {
		return cfg.Cache.Path, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "govm")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "programs.db"), nil
}

func openCache(cfg *config.Config) (*progcache.Cache, error) {
	path, err := cachePath(cfg)
	if err != nil {
		return nil, err
	}
	return progcache.Open(path)
}

// handleServeCommand processes the `govm serve` subcommand.
// Usage:
//
//	govm serve                          # settings from govm.toml or defaults
//	govm serve -addr :8080 -grpc-addr ""
func handleServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file (default: search for "+config.FileName+")")
	cacheDB := fs.String("cache", "", "Program cache database, overrides the configuration")
	addr := fs.String("addr", "", "Connect (HTTP) listen address, overrides the configuration")
	grpcAddr := fs.String("grpc-addr", "", "gRPC listen address, overrides the configuration")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *cacheDB != "" {
		cfg.Cache.Path = *cacheDB
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "grpc-addr":
			cfg.Server.GRPCAddr = *grpcAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	cache, err := openCache(cfg)
	if err != nil {
		return fmt.Errorf("opening program cache: %w", err)
	}
	defer cache.Close()

	timeout, _ := cfg.Server.TimeoutDuration()
	exec := server.NewExecutor(
		server.NewPool(cfg.Server.Workers),
		server.WithCache(cache),
		server.WithVMOptions(cfg.Options()),
		server.WithMaxProgramBytes(cfg.Server.MaxProgramBytes),
		server.WithTimeout(timeout),
	)
	srv := server.New(exec, cfg.Server.Addr, server.WithGRPCAddr(cfg.Server.GRPCAddr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("govm executor listening on %s\n", cfg.Server.Addr)
	fmt.Printf("  Connect (HTTP/JSON): http://%s%s\n", cfg.Server.Addr, server.RunProcedure)
	if cfg.Server.GRPCAddr != "" {
		fmt.Printf("  gRPC (binary):       grpc://%s\n", cfg.Server.GRPCAddr)
	}
	return srv.Serve(ctx)
}
