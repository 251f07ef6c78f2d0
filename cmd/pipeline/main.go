package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/climate-control-etl/internal/adapter/actuator"
	"github.com/couchcryptid/climate-control-etl/internal/adapter/httpapi"
	kafkaadapter "github.com/couchcryptid/climate-control-etl/internal/adapter/kafka"
	mqttadapter "github.com/couchcryptid/climate-control-etl/internal/adapter/mqtt"
	"github.com/couchcryptid/climate-control-etl/internal/config"
	"github.com/couchcryptid/climate-control-etl/internal/control"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/forecast"
	"github.com/couchcryptid/climate-control-etl/internal/normalizer"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
	"github.com/couchcryptid/climate-control-etl/internal/retry"
	"github.com/couchcryptid/climate-control-etl/internal/store"
)

// ackRelay forwards delivery outcomes from the actuation worker back to the
// control engine. The worker and the engine reference each other, so the
// relay is built empty and bound to the engine once both exist. Neither side
// runs before wiring finishes.
type ackRelay struct {
	engine *control.Engine
}

func (r *ackRelay) RecordAck(deviceID string, command domain.ActuatorCommand, acked bool) {
	r.engine.RecordAck(deviceID, command, acked)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "db_path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	forecaster, err := forecast.New(db, cfg.ForecastModel, forecast.Params{
		Alpha:          cfg.ForecastAlpha,
		Beta:           cfg.ForecastBeta,
		Gamma:          cfg.ForecastGamma,
		SeasonLength:   cfg.ForecastSeasonLength,
		Multiplicative: cfg.ForecastSeasonalMode == "multiplicative",
		Step:           cfg.ForecastStep,
	}, logger)
	if err != nil {
		logger.Error("failed to build forecast engine", "error", err)
		os.Exit(1)
	}

	// Initialize Kafka export (feature-flagged via KAFKA_BROKERS).
	var exporter normalizer.Exporter
	var kafkaWriter *kafkaadapter.Writer
	if cfg.ExportEnabled {
		kafkaWriter = kafkaadapter.NewWriter(cfg, logger, metrics)
		exporter = kafkaWriter
		logger.Info("kafka export enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaExportTopic)
	} else {
		logger.Info("kafka export disabled")
	}

	norm := normalizer.New(db, db, forecaster, exporter, logger, metrics, cfg.BatchSize, cfg.NormalizeInterval)

	// Initialize humidity control (feature-flagged via CONTROL_DEVICES).
	var (
		actuators httpapi.ActuatorController
		prober    httpapi.ActuatorProber
		worker    *actuator.Worker
		ctrl      *control.Engine
	)
	if len(cfg.ControlDevices) > 0 {
		client := actuator.NewClient(cfg.ActuatorEndpoints, cfg.ActuatorTimeout, logger)
		relay := &ackRelay{}
		worker = actuator.NewWorker(client, relay, retry.Config{
			MaxAttempts:  cfg.ActuatorMaxAttempts,
			InitialDelay: cfg.ActuatorRetryBase,
			MaxDelay:     cfg.ActuatorRetryMax,
		}, 0, logger, metrics)

		engine, err := control.New(db, forecaster, worker, control.Params{
			Devices: cfg.ControlDevices,
			Thresholds: control.Thresholds{
				UpperPct: cfg.HumidityUpper,
				LowerPct: cfg.HumidityLower,
				MinDwell: cfg.MinDwell,
				MaxAge:   cfg.ReadingMaxAge,
			},
			Interval: cfg.ControlInterval,
		}, logger, metrics)
		if err != nil {
			logger.Error("failed to build control engine", "error", err)
			os.Exit(1)
		}
		relay.engine = engine
		ctrl = engine
		actuators = engine
		prober = client
		logger.Info("humidity control enabled", "devices", cfg.ControlDevices,
			"upper_pct", cfg.HumidityUpper, "lower_pct", cfg.HumidityLower)
	} else {
		logger.Info("humidity control disabled, no control devices configured")
	}

	sub := mqttadapter.NewSubscriber(cfg, db, logger, metrics, nil, 0)

	srv := httpapi.NewServer(cfg, norm, db, forecaster, actuators, prober, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start capture. Losing raw messages is not survivable, so a capture
	// failure takes the whole service down.
	go func() {
		if err := sub.Run(ctx); err != nil {
			logger.Error("capture error", "error", err)
			stop()
		}
	}()

	// Start normalization.
	go func() {
		if err := norm.Run(ctx); err != nil {
			logger.Error("normalizer error", "error", err)
		}
	}()

	if ctrl != nil {
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("actuation worker error", "error", err)
			}
		}()
		go func() {
			if err := ctrl.Run(ctx); err != nil {
				logger.Error("control engine error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if kafkaWriter != nil {
		if err := kafkaWriter.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
