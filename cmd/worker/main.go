package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AltairaLabs/renderfarm/internal/backend"
	"github.com/AltairaLabs/renderfarm/internal/config"
	"github.com/AltairaLabs/renderfarm/internal/discovery"
	"github.com/AltairaLabs/renderfarm/internal/retry"
	"github.com/AltairaLabs/renderfarm/internal/types"
	"github.com/AltairaLabs/renderfarm/internal/worker"
)

const (
	appVersion   = "0.1.0"
	tempDirPerms = 0o755
)

var (
	version    = flag.Bool("version", false, "Print version and exit")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	configPath = flag.String("config", "", "Path to a YAML config file")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Renderfarm Worker v%s\n", appVersion)
		os.Exit(0)
	}

	logger := newLogger(*debug)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// #nosec G301 - temp dir holds scenes and frames read by the render program
	if err := os.MkdirAll(cfg.Node.TempDir, tempDirPerms); err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}

	id, err := cfg.NodeID()
	if err != nil {
		log.Fatalf("Failed to establish worker identity: %v", err)
	}

	renderer, err := backend.NewRegistry().Create(cfg.Backend.Kind, backendOptions(cfg))
	if err != nil {
		log.Fatalf("Failed to create render backend: %v", err)
	}

	logger.Info("Starting Renderfarm Worker",
		"version", appVersion,
		"id", id,
		"name", cfg.Node.Name,
		"backend", renderer.Name(),
		"temp_dir", cfg.Node.TempDir,
		"coordinator_addr", cfg.Worker.CoordinatorAddr,
		"discovery_port", cfg.Network.DiscoveryPort,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := discovery.NewRegistry()

	go func() {
		b := discovery.NewBroadcaster(discovery.BroadcasterConfig{
			Announcement: discovery.Announcement{
				Role: types.RoleWorker,
				Name: cfg.Node.Name,
				ID:   id,
			},
			Target:   cfg.Network.DiscoveryTarget(),
			Interval: cfg.Network.BroadcastInterval,
			Logger:   logger,
		})
		if err := b.Run(ctx); err != nil {
			logger.Error("Discovery broadcaster stopped", "error", err)
		}
	}()

	if cfg.Worker.CoordinatorAddr == "" {
		go func() {
			l := discovery.NewListener(discovery.ListenerConfig{
				Addr:     fmt.Sprintf(":%d", cfg.Network.DiscoveryPort),
				Accept:   types.RoleCoordinator,
				Registry: registry,
				SelfID:   id,
				Logger:   logger,
			})
			if err := l.Run(ctx); err != nil {
				logger.Error("Discovery listener stopped", "error", err)
				cancel()
			}
		}()
	}

	sup := worker.NewSupervisor(supervisorConfig(cfg, id, renderer, registry, logger))
	if err := sup.Run(ctx); err != nil {
		logger.Error("Worker stopped", "error", err)
		os.Exit(1)
	}

	st := sup.Status()
	logger.Info("Worker shutdown complete", "frames_rendered", st.FramesRendered)
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

func backendOptions(cfg *config.Config) backend.Options {
	return backend.Options{
		BlenderPath: cfg.Backend.BlenderPath,
		Command:     cfg.Backend.Command,
		Timeout:     cfg.Backend.RenderTimeout,
	}
}

func supervisorConfig(cfg *config.Config, id string, r backend.Renderer, reg *discovery.Registry, logger *slog.Logger) worker.SupervisorConfig {
	return worker.SupervisorConfig{
		Session: worker.SessionConfig{
			ID:               id,
			Name:             cfg.Node.Name,
			TempDir:          cfg.Node.TempDir,
			Renderer:         r,
			Limits:           cfg.Network.Limits(),
			DialTimeout:      cfg.Worker.DialTimeout,
			HandshakeTimeout: cfg.Worker.HandshakeTimeout,
		},
		StaticAddr:    cfg.Worker.CoordinatorAddr,
		Registry:      reg,
		CheckInterval: cfg.Worker.ReconnectCheckInterval,
		Policy:        retry.DefaultPolicy(),
		Logger:        logger,
	}
}
