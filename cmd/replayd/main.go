// marketreplay — reconstructs a chronologically unified, decimal-exact
// stream of market events from heterogeneous historical inputs and
// persists it as hourly-partitioned parquet files.
//
// Architecture:
//
//	main.go                   — entry point: config, logging, signals, exit code
//	router/router.go          — dispatches raw records to per-symbol queues
//	supervisor/supervisor.go  — worker lifecycle: heartbeats, backoff restarts
//	worker/worker.go          — per-symbol pipeline wiring on one goroutine
//	normalize/normalizer.go   — raw record → unified event projection
//	replay/replayer.go        — chronological replay with stateful book
//	book/                     — bounded ladder + order book state
//	sequencer/sequencer.go    — delta gap detection and recovery signalling
//	drift/tracker.go          — snapshot drift metrics and resync triggering
//	sink/                     — hourly parquet partitions, manifest, atomic writes
//	checkpoint/               — state capture, WAL commit, crash recovery
//	ingest/                   — JSONL and parquet input readers with resume offsets
//	health/health.go          — prometheus metrics + /healthz
//
// Data flow: inputs → router → per-symbol queue → normalize → replay
// (book, sequencer, drift) → sink → partition files + manifest. The
// checkpoint manager snapshots book+cursors+sink progress; recovery
// resumes from the last durable checkpoint on restart.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"marketreplay/internal/config"
	"marketreplay/internal/health"
	"marketreplay/internal/ingest"
	"marketreplay/internal/router"
	"marketreplay/internal/supervisor"
	"marketreplay/internal/worker"
	"marketreplay/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("REPLAY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	metrics := health.NewMetrics()
	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.NewServer(cfg.Health.Port, metrics, logger)
		go func() {
			if err := healthSrv.Start(); err != nil {
				logger.Error("health server failed", "error", err)
			}
		}()
	}

	rt, err := router.New(cfg.Symbols, cfg.Router.InputQueueSize,
		types.RoutingStrategy(cfg.Router.Strategy), cfg.Router.FullnessThreshold,
		metrics, logger)
	if err != nil {
		logger.Error("failed to create router", "error", err)
		os.Exit(1)
	}

	workerFn := func(ctx context.Context, symbol string, queue <-chan router.Message, hb *supervisor.Heartbeat) error {
		w, err := worker.New(symbol, cfg, metrics, logger)
		if err != nil {
			return err
		}
		return w.Run(ctx, queue, hb)
	}

	sup := supervisor.New(cfg.Supervisor, rt, workerFn, metrics, logger)
	if err := sup.Start(cfg.Symbols); err != nil {
		logger.Error("failed to start workers", "error", err)
		os.Exit(1)
	}

	logger.Info("market replay pipeline started",
		"symbols", cfg.Symbols,
		"inputs", len(cfg.Inputs),
		"output_dir", cfg.OutputDir,
		"routing", cfg.Router.Strategy,
	)

	// Feed historical inputs through the router; an empty input list
	// leaves the pipeline idle until terminated.
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		feedInputs(cfg, rt, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-feedDone:
		if len(cfg.Inputs) > 0 {
			logger.Info("all inputs consumed, draining")
		} else {
			sig := <-sigCh
			logger.Info("received shutdown signal", "signal", sig.String())
		}
	}

	sup.Stop()
	if healthSrv != nil {
		if err := healthSrv.Stop(); err != nil {
			logger.Error("failed to stop health server", "error", err)
		}
	}

	if failed := sup.Failed(); len(failed) > 0 {
		logger.Error("pipeline finished with failed symbols", "symbols", failed)
		os.Exit(1)
	}
	m := rt.Metrics()
	logger.Info("pipeline stopped",
		"routed", m.Routed, "dropped", m.Dropped, "errors", m.Errors)
}

// feedInputs streams every configured input file through the router,
// choosing the reader by extension.
func feedInputs(cfg *config.Config, rt *router.Router, logger *slog.Logger) {
	for _, path := range cfg.Inputs {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jsonl", ".json":
			feedJSONL(path, rt, logger)
		case ".parquet":
			feedParquet(path, rt, logger, cfg.Replay.MicroBatchSize)
		default:
			logger.Error("unsupported input extension, skipping", "path", path)
		}
	}
}

func feedJSONL(path string, rt *router.Router, logger *slog.Logger) {
	r, err := ingest.OpenJSONL(path)
	if err != nil {
		logger.Error("failed to open input", "path", path, "error", err)
		return
	}
	defer r.Close()

	var malformed int64
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if types.IsMalformed(err) {
				malformed++
				continue
			}
			logger.Error("input read failed", "path", path, "error", err)
			return
		}
		rt.Route(rec)
	}
	if malformed > 0 {
		logger.Warn("skipped malformed capture lines", "path", path, "count", malformed)
	}
}

func feedParquet(path string, rt *router.Router, logger *slog.Logger, batchSize int) {
	r, err := ingest.OpenParquet(path)
	if err != nil {
		logger.Error("failed to open input", "path", path, "error", err)
		return
	}
	for {
		batch, err := r.NextBatch(batchSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Error("input read failed", "path", path, "error", err)
			return
		}
		rt.RouteBatch(batch)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
