// Command server runs the sandbox orchestration service: per-project
// execution environments behind a uniform provider API, fronted by HTTP.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/monitoring"
	"github.com/appforge/sandboxd/internal/ports"
	"github.com/appforge/sandboxd/internal/sandbox"
	"github.com/appforge/sandboxd/internal/sandbox/docker"
	"github.com/appforge/sandboxd/internal/sandbox/fleet"
	"github.com/appforge/sandboxd/internal/sandbox/remote"
	"github.com/appforge/sandboxd/internal/server"
	"github.com/appforge/sandboxd/internal/vmservice"
	"github.com/appforge/sandboxd/internal/watch"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	metrics := monitoring.NewMetrics()
	watches := watch.NewRegistry(log).WithMetrics(metrics)

	factory := sandbox.NewFactory()
	builders := map[string]sandbox.Builder{
		"docker": docker.New,
		"remote": remote.New,
		"fleet":  fleet.New,
	}
	for name, builder := range builders {
		if err := factory.Register(name, builder); err != nil {
			log.Fatal("Failed to register backend", zap.String("backend", name), zap.Error(err))
		}
	}

	// A misconfigured backend is fatal at startup, never a lazy runtime error.
	provider, err := factory.Build(cfg, sandbox.Deps{
		Logger:  log,
		Watches: watches,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatal("Failed to initialize sandbox backend", zap.Error(err))
	}
	log.Info("Sandbox backend ready", zap.String("backend", provider.Name()))

	portSvc := ports.NewService(provider, cfg.Ports, log).WithMetrics(metrics)
	portSvc.Start()

	repo := vmservice.NewMemoryRepository()
	svc := vmservice.NewService(repo, provider, portSvc, log)

	srv := server.New(cfg, svc, portSvc, metrics, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			log.Error("Server failed", zap.Error(err))
		}
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := portSvc.Shutdown(ctx); err != nil {
		log.Warn("Port worker shutdown incomplete", zap.Error(err))
	}
	watches.Close()
	if closer, ok := provider.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn("Provider close failed", zap.Error(err))
		}
	}

	log.Info("Shutdown complete")
}
