package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/AltairaLabs/renderfarm/internal/backend"
	"github.com/AltairaLabs/renderfarm/internal/config"
	"github.com/AltairaLabs/renderfarm/internal/control"
	"github.com/AltairaLabs/renderfarm/internal/coordinator"
	"github.com/AltairaLabs/renderfarm/internal/discovery"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

const (
	appName         = "renderfarm-coordinator"
	appVersion      = "0.1.0"
	defaultHTTPAddr = ":8080"
	shutdownTimeout = 2 * time.Second
	// coordinatorIdentityDir keeps the coordinator's id apart from a worker
	// sharing the same temp dir
	coordinatorIdentityDir = "coordinator"
)

var (
	version    = flag.Bool("version", false, "Print version and exit")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	httpMode   = flag.Bool("http", false, "Enable HTTP/SSE transport instead of stdio")
	configPath = flag.String("config", "", "Path to a YAML config file")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Renderfarm Coordinator v%s\n", appVersion)
		os.Exit(0)
	}

	logger := newLogger(*debug)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	id, err := coordinatorID(cfg)
	if err != nil {
		log.Fatalf("Failed to establish coordinator identity: %v", err)
	}

	renderer, err := newRenderer(cfg)
	if err != nil {
		log.Fatalf("Failed to create render backend: %v", err)
	}

	mcpAddr := ""
	if *httpMode || cfg.Control.HTTPAddr != "" {
		mcpAddr = cfg.Control.HTTPAddr
		if mcpAddr == "" {
			mcpAddr = defaultHTTPAddr
		}
	}

	logger.Info("Starting Renderfarm Coordinator",
		"version", appVersion,
		"id", id,
		"name", cfg.Node.Name,
		"debug", *debug,
		"control_port", cfg.Network.ControlPort,
		"discovery_port", cfg.Network.DiscoveryPort,
		"grpc_addr", cfg.Control.GRPCAddr,
		"mcp_http_addr", mcpAddr,
		"local_render", cfg.Coordinator.LocalRender,
	)

	registry := discovery.NewRegistry()
	coord := coordinator.New(coordinator.Config{
		ID:               id,
		Name:             cfg.Node.Name,
		TempDir:          cfg.Node.TempDir,
		OutputDir:        cfg.Coordinator.OutputDir,
		OutputPerJob:     cfg.Coordinator.OutputPerJob,
		LocalRender:      cfg.Coordinator.LocalRender,
		MaxFrameFailures: cfg.Coordinator.MaxFrameFailures,
		Renderer:         renderer,
		Registry:         registry,
		Limits:           cfg.Network.Limits(),
		WriteTimeout:     cfg.Coordinator.WriteTimeout,
		Logger:           logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Worker control server
	controlServer := coordinator.NewServer(coord, fmt.Sprintf(":%d", cfg.Network.ControlPort))
	controlDone := make(chan error, 1)
	go func() {
		controlDone <- controlServer.ListenAndServe(ctx)
	}()

	// Discovery: announce ourselves and record workers
	go func() {
		b := discovery.NewBroadcaster(discovery.BroadcasterConfig{
			Announcement: discovery.Announcement{
				Role: types.RoleCoordinator,
				Name: cfg.Node.Name,
				ID:   id,
				Port: cfg.Network.ControlPort,
			},
			Target:   cfg.Network.DiscoveryTarget(),
			Interval: cfg.Network.BroadcastInterval,
			Logger:   logger,
		})
		if err := b.Run(ctx); err != nil {
			logger.Error("Discovery broadcaster stopped", "error", err)
		}
	}()
	go func() {
		l := discovery.NewListener(discovery.ListenerConfig{
			Addr:     fmt.Sprintf(":%d", cfg.Network.DiscoveryPort),
			Accept:   types.RoleWorker,
			Registry: registry,
			SelfID:   id,
			Logger:   logger,
		})
		if err := l.Run(ctx); err != nil {
			logger.Error("Discovery listener stopped", "error", err)
		}
	}()

	// Admin gRPC service with health checking
	grpcServer := grpc.NewServer()
	health := control.Register(grpcServer, control.NewAdmin(coord, cfg.Coordinator.Job, logger))

	listenConfig := net.ListenConfig{}
	lis, err := listenConfig.Listen(ctx, "tcp", cfg.Control.GRPCAddr)
	if err != nil {
		cancel()
		log.Fatalf("Failed to listen on %s: %v", cfg.Control.GRPCAddr, err)
	}

	go func() {
		logger.Info("Starting admin gRPC server", "addr", cfg.Control.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
			cancel()
		}
	}()

	// MCP control tools
	mcpServer := control.NewMCPServer(appName, appVersion, coord, cfg.Coordinator.Job, logger)
	go func() {
		var err error
		if mcpAddr != "" {
			err = mcpServer.ServeHTTP(mcpAddr)
		} else {
			err = mcpServer.Serve()
		}
		if err != nil {
			logger.Error("MCP server error", "error", err)
			cancel()
		}
	}()

	if cfg.Coordinator.Autostart {
		go autostart(ctx, coord, cfg.Coordinator.Job, logger)
	}

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	case err := <-controlDone:
		logger.Error("Control server stopped", "error", err)
	}

	logger.Info("Shutting down gracefully")
	health.Shutdown()
	cancel()

	stopGRPC(grpcServer, logger)

	select {
	case <-controlDone:
	case <-time.After(shutdownTimeout):
		logger.Warn("Timed out waiting for worker sessions to close")
	}

	logger.Info("Coordinator shutdown complete")
}

func newLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// coordinatorID returns the configured id or one persisted under temp_dir
func coordinatorID(cfg *config.Config) (string, error) {
	if cfg.Node.ID != "" {
		return cfg.Node.ID, nil
	}
	return config.LoadOrCreateIdentity(filepath.Join(cfg.Node.TempDir, coordinatorIdentityDir))
}

// newRenderer builds the local render backend; nil when local rendering is off
func newRenderer(cfg *config.Config) (backend.Renderer, error) {
	if !cfg.Coordinator.LocalRender {
		return nil, nil
	}
	return backend.NewRegistry().Create(cfg.Backend.Kind, backend.Options{
		BlenderPath: cfg.Backend.BlenderPath,
		Command:     cfg.Backend.Command,
		Timeout:     cfg.Backend.RenderTimeout,
	})
}

// autostart submits the configured job once
func autostart(ctx context.Context, c control.Farm, job config.JobDefaults, logger *slog.Logger) {
	spec := job.Spec()
	id, err := c.StartJob(ctx, coordinator.JobRequest{ScenePath: job.ScenePath, Spec: spec})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("Autostart failed", "scene", job.ScenePath, "error", err)
		}
		return
	}
	logger.Info("Autostarted job", "job_id", id, "scene", job.ScenePath, "frames", len(spec.Frames()))
}

// stopGRPC stops gracefully, forcing after shutdownTimeout
func stopGRPC(s *grpc.Server, logger *slog.Logger) {
	logger.Info("Stopping gRPC server")
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("gRPC server stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Graceful shutdown timeout, forcing stop")
		s.Stop()
		<-done
	}
}
