// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/gputop-procs/internal/config"
	"github.com/skobkin/gputop-procs/internal/gpu"
	"github.com/skobkin/gputop-procs/internal/host"
	"github.com/skobkin/gputop-procs/internal/httpserver"
	"github.com/skobkin/gputop-procs/internal/monitor"
	"github.com/skobkin/gputop-procs/internal/process"
	"github.com/skobkin/gputop-procs/internal/procscan"
)

const shutdownTimeout = 10 * time.Second

// Services holds the process monitoring stack built from one config.
type Services struct {
	GPUs     []gpu.Info
	Registry *process.Registry
	Monitor  *monitor.Manager
}

// Close releases the monitor's collector and the registry caches.
func (s *Services) Close() error {
	return errors.Join(s.Monitor.Close(), s.Registry.Close())
}

// Build discovers GPUs and assembles the scanner, registry and monitor.
func Build(baseLogger *slog.Logger, cfg config.Config) (*Services, error) {
	infos, err := gpu.Discover(cfg.SysfsRoot, baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		return nil, fmt.Errorf("discover gpus: %w", err)
	}
	devices := gpu.Devices(infos)

	scanner, err := procscan.NewScanner(devices, procscan.Options{
		ProcRoot:     cfg.ProcRoot,
		MaxPIDs:      cfg.Proc.MaxPIDs,
		MaxFDsPerPID: cfg.Proc.MaxFDsPerPID,
		Logger:       baseLogger.With("component", "procscan"),
	})
	if err != nil {
		return nil, fmt.Errorf("init proc scanner: %w", err)
	}

	registry, err := process.NewRegistry(process.Options{
		Open:                host.Open,
		Lister:              scanner,
		FieldTTL:            cfg.Proc.FieldTTL,
		PersistentSnapshots: cfg.Proc.PersistentSnapshots,
		Dialect:             cfg.Proc.Quoting,
		Logger:              baseLogger.With("component", "process_registry"),
	})
	if err != nil {
		_ = scanner.Close()
		return nil, fmt.Errorf("init process registry: %w", err)
	}

	manager, err := monitor.NewManager(cfg.Proc, registry, scanner, devices, nil, baseLogger)
	if err != nil {
		_ = scanner.Close()
		_ = registry.Close()
		return nil, fmt.Errorf("init process monitor: %w", err)
	}

	return &Services{GPUs: infos, Registry: registry, Monitor: manager}, nil
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	services, err := Build(baseLogger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := services.Close(); err != nil {
			appLogger.Warn("services close", "err", err)
		}
	}()
	appLogger.Info("discovered GPUs", "count", len(services.GPUs))

	procCtx, procCancel := context.WithCancel(ctx)
	defer procCancel()

	procErrCh := make(chan error, 1)
	go func() {
		procErrCh <- services.Monitor.Run(procCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), services.GPUs, services.Monitor)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			procCancel()
			if err != nil {
				return err
			}
			return waitMonitor(procErrCh)
		case err := <-procErrCh:
			procErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			procCancel()
			if err := waitMonitor(procErrCh); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

// waitMonitor drains the monitor result unless it was already consumed.
func waitMonitor(procErrCh <-chan error) error {
	if procErrCh == nil {
		return nil
	}
	if err := <-procErrCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
