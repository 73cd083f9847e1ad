// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianAltitude/pkg/logging"
	"github.com/AleutianAI/AleutianAltitude/pkg/observability"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/api"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/checkpoint"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/config"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/history"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/session"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// runServe wires the full daemon: checkpoint store, history archive,
// telemetry pipeline, session manager, and the HTTP control API. It blocks
// until SIGINT/SIGTERM, then drains in dependency order. A live session is
// checkpointed and left recoverable; the CLI offers it back on the next
// start.
func runServe(cmd *cobra.Command, args []string) {
	logger := logging.New(logging.Config{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		LogDir:     cfg.Logging.Dir,
		Service:    "daemon",
		JSON:       cfg.Logging.Format == "json",
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logger.Close()
	slogger := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obsShutdown, err := observability.Init(ctx, observability.Config{
		ServiceName:    "altitude",
		ServiceVersion: Version,
		Environment:    cfg.Observability.Environment,
		TraceExporter:  cfg.Observability.TraceExporter,
		MetricExporter: cfg.Observability.MetricExporter,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		log.Fatalf("Error initializing observability: %v", err)
	}
	defer func() {
		if err := obsShutdown(context.Background()); err != nil {
			slogger.Warn("observability shutdown", slog.String("error", err.Error()))
		}
	}()

	badgerCfg := checkpoint.DefaultBadgerConfig(cfg.Checkpoint.Dir)
	badgerCfg.SyncWrites = cfg.Checkpoint.SyncWrites
	badgerCfg.GCInterval = cfg.Checkpoint.GCInterval.Std()
	badgerCfg.Logger = slogger
	store, err := checkpoint.OpenBadger(badgerCfg)
	if err != nil {
		log.Fatalf("Error opening checkpoint store at %s: %v (is another daemon or 'altitude run' active?)", cfg.Checkpoint.Dir, err)
	}
	defer store.Close()

	hist, err := history.Open(cfg.History.Path, slogger)
	if err != nil {
		log.Fatalf("Error opening history archive at %s: %v", cfg.History.Path, err)
	}
	defer hist.Close()

	buffer, sinkClose := buildTelemetry(ctx, slogger)
	defer sinkClose()

	opts, cleanup := buildManagerOptions(ctx, slogger, buffer, hist)
	defer cleanup()
	manager := session.NewManager(store, opts...)

	// Surface an interrupted session in the log at boot. Resuming stays a
	// caller decision, via `altitude recover` or the API.
	if rec, err := manager.Recoverable(ctx); err == nil && rec.CanRecover {
		slogger.Info("recoverable session found",
			slog.String("session_id", rec.Snapshot.Session.ID),
			slog.String("phase", string(rec.Snapshot.Phase.Phase)),
			slog.Int("cycle", rec.Snapshot.Phase.Cycle),
			slog.Duration("age", rec.SessionAge),
		)
	}

	server := api.NewServer(api.Config{
		Addr:         cfg.Server.Addr,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		Defaults:     cfg.Protocol.ToProtocol(),
	}, manager, hist, slogger)

	// Live log-level reload: editing logging.level in the config file takes
	// effect without a restart.
	watchPath := cfgFile
	if watchPath == "" {
		watchPath, err = config.DefaultPath()
		if err != nil {
			watchPath = ""
		}
	}
	if watchPath != "" {
		watcher, err := config.WatchLevel(watchPath, logger.LevelVar(), slogger)
		if err != nil {
			slogger.Warn("config watch disabled", slog.String("error", err.Error()))
		} else {
			defer watcher.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slogger.Warn("api shutdown", slog.String("error", err.Error()))
		}
		return manager.Close(shutdownCtx)
	})

	slogger.Info("altitude daemon ready",
		slog.String("addr", cfg.Server.Addr),
		slog.String("checkpoint_dir", cfg.Checkpoint.Dir),
		slog.Bool("telemetry", cfg.Telemetry.Enabled),
	)

	if err := g.Wait(); err != nil {
		log.Fatalf("Error running daemon: %v", err)
	}
	slogger.Info("altitude daemon stopped")
}

// buildTelemetry assembles the reading pipeline: buffer -> breaker ->
// InfluxDB. With telemetry disabled the buffer drains into the nop sink, so
// session code never branches on the setting. The returned closer wipes the
// sealed token; call it after the manager has drained the buffer.
func buildTelemetry(ctx context.Context, logger *slog.Logger) (*telemetry.Buffer, func()) {
	bufferOpts := []telemetry.Option{
		telemetry.WithBatchSize(cfg.Telemetry.BatchSize),
		telemetry.WithFlushInterval(cfg.Telemetry.FlushInterval.Std()),
		telemetry.WithLogger(logger),
	}
	if !cfg.Telemetry.Enabled {
		return telemetry.NewBuffer(telemetry.NopSink{}, bufferOpts...), func() {}
	}

	token, err := cfg.Telemetry.Influx.SealToken()
	if err != nil {
		log.Fatalf("Error reading InfluxDB token: %v", err)
	}
	sink, err := telemetry.NewInfluxSink(telemetry.InfluxConfig{
		URL:             cfg.Telemetry.Influx.URL,
		Org:             cfg.Telemetry.Influx.Org,
		Bucket:          cfg.Telemetry.Influx.Bucket,
		Token:           token,
		WritesPerSecond: rate.Limit(cfg.Telemetry.Influx.WritesPerSecond),
	}, logger)
	if err != nil {
		log.Fatalf("Error creating InfluxDB sink: %v", err)
	}
	if err := sink.Ready(ctx); err != nil {
		logger.Warn("influxdb unreachable at boot, breaker will shield writes",
			slog.String("url", cfg.Telemetry.Influx.URL),
			slog.String("error", err.Error()),
		)
	}

	breakerCfg := telemetry.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.Telemetry.Breaker.FailureThreshold
	breakerCfg.OpenTimeout = cfg.Telemetry.Breaker.OpenTimeout.Std()
	breaker := telemetry.NewBreakerSink(sink, breakerCfg, logger)

	return telemetry.NewBuffer(breaker, bufferOpts...), func() { sink.Close() }
}
