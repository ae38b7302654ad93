// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/internal/adapters/httpengine"
	"github.com/maestrod/maestro/internal/config"
	"github.com/maestrod/maestro/internal/events"
	"github.com/maestrod/maestro/internal/lifecycle"
	ilog "github.com/maestrod/maestro/internal/log"
	"github.com/maestrod/maestro/internal/orchestrator"
	"github.com/maestrod/maestro/internal/scheduler"
	"github.com/maestrod/maestro/internal/service"
	"github.com/maestrod/maestro/internal/tracing"
	"github.com/maestrod/maestro/pkg/engine"
)

func newStartCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the orchestration daemon",
		Long: `Start the orchestration daemon in the foreground.

The daemon reads its configuration from the --config file (or MAESTRO_CONFIG),
overlaid with MAESTRO_* environment variables. It records its PID so that
"maestrod stop" can signal it, and shuts down cleanly on SIGTERM or SIGINT.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), cfgFile)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to the YAML config file")
	return cmd
}

func runStart(ctx context.Context, cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return configError(err)
	}

	logger := ilog.New(&ilog.Config{
		Level:     cfg.Log.Level,
		Format:    ilog.Format(cfg.Log.Format),
		AddSource: cfg.Log.Source,
	})
	slog.SetDefault(logger)

	tp, err := tracing.New(cfg.Tracing, "maestrod", version)
	if err != nil {
		return configError(err)
	}

	registry := engine.NewRegistry()
	for _, ec := range cfg.Engines {
		adapter, err := httpengine.New(httpengine.Config{
			Engine:       engine.Type(ec.Type),
			BaseURL:      ec.BaseURL,
			Token:        ec.BearerToken(),
			PollInterval: ec.PollInterval,
		}, logger)
		if err != nil {
			return configError(fmt.Errorf("engine %s: %w", ec.Type, err))
		}
		if err := registry.Register(adapter); err != nil {
			return configError(err)
		}
	}

	bus := events.NewBus()
	svc, err := service.New(cfg, registry, bus, logger, nil, prometheus.DefaultRegisterer)
	if err != nil {
		return configError(err)
	}

	orch := orchestrator.New(cfg, registry, svc, nil, bus, logger, tp.Tracer("maestrod"))
	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(scheduler.Config{
			SchedulesFile: cfg.Scheduler.SchedulesFile,
			Timezone:      cfg.Scheduler.Timezone,
		}, orch, bus, logger)
		if err != nil {
			return configError(err)
		}
		orch.AttachScheduler(sched)
	}

	var pidFile *lifecycle.PIDFile
	if cfg.PIDFile != "" {
		pidFile = lifecycle.NewPIDFile(cfg.PIDFile)
		if err := pidFile.Create(os.Getpid()); err != nil {
			return runtimeError(fmt.Errorf("failed to create PID file: %w", err))
		}
		defer pidFile.Remove()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Info("Metrics endpoint listening", slog.String("addr", cfg.Metrics.ListenAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics endpoint failed", ilog.Error(err))
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := orch.Start(runCtx); err != nil {
		return runtimeError(err)
	}
	logger.Info("maestrod started",
		slog.String("version", version),
		slog.Int("pid", os.Getpid()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", slog.String("signal", sig.String()))
	case <-runCtx.Done():
	}

	cancel()
	stopErr := orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", ilog.Error(err))
	}

	if stopErr != nil {
		return runtimeError(stopErr)
	}
	logger.Info("maestrod stopped")
	return nil
}
