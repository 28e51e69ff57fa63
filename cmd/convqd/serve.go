package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/snehjoshi/convq/internal/config"
	"github.com/snehjoshi/convq/internal/ingest"
	"github.com/snehjoshi/convq/internal/logging"
	"github.com/snehjoshi/convq/internal/metrics"
	"github.com/snehjoshi/convq/internal/service"
)

const lockFile = "convqd.lock"

func newServeCommand(opts *options) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversion queue daemon",
		Long: `Run the conversion queue daemon.

Events are read as JSON lines from --input ("-" for stdin):

  {"type":"conversion","creative_set_id":"...","uuid":"..."}
  {"type":"served","creative_set_id":"...","uuid":"..."}
  {"type":"visit","url":"https://..."}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, input)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", `Event stream to ingest: a file path or "-" for stdin`)
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, input string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// ── 1. Logger ────────────────────────────────────────────────────────────
	logger, logCloser, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	// ── 2. Single-instance lock on the data dir ──────────────────────────────
	if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lockPath := filepath.Join(cfg.Node.DataDir, lockFile)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another convqd is running on %s", cfg.Node.DataDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release lock", "err", err)
		}
	}()

	// ── 3. Service (store, history, journal, queue) ──────────────────────────
	metricsReg := metrics.New()
	svc, err := service.New(ctx, cfg,
		service.WithLogger(logger),
		service.WithMetrics(metricsReg),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	slog.Info("convqd starting",
		"instance", svc.Instance(),
		"data_dir", cfg.Node.DataDir,
		"driver", cfg.Storage.Driver,
		"frequency", cfg.Conversions.Frequency,
		"expired_frequency", cfg.Conversions.ExpiredFrequency,
	)

	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop()
		return err
	}

	// ── 4. Metrics listener ──────────────────────────────────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 5. Ingest ────────────────────────────────────────────────────────────
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestDone := make(chan error, 1)
	if input != "" {
		src, closeSrc, err := openInput(input)
		if err != nil {
			_ = svc.Stop()
			return err
		}
		defer closeSrc.Close()

		reader := ingest.NewReader(cfg.Producers.MaxRate, cfg.Producers.Burst,
			ingest.WithLogger(logger),
			ingest.WithMetrics(metricsReg),
		)
		go func() { ingestDone <- reader.Run(runCtx, src, svc.HandleEvent) }()
	}

	// ── 6. Wait for a signal ─────────────────────────────────────────────────
	select {
	case <-runCtx.Done():
		slog.Info("shutting down")
	case err := <-ingestDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("ingest stopped", "err", err)
		} else {
			slog.Info("input exhausted, waiting for pending conversions")
		}
		<-runCtx.Done()
		slog.Info("shutting down")
	}

	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := svc.Stop(); err != nil {
		slog.Warn("service stop error", "err", err)
	}

	slog.Info("convqd stopped")
	return nil
}

func openInput(path string) (io.Reader, io.Closer, error) {
	if path == "-" {
		return os.Stdin, io.NopCloser(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, f, nil
}
