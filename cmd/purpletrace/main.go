// Package main is the entry point for the purpletrace service: it tags
// executed adversary operations into the backend index and serves the
// detection-correlation and diagnostic APIs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"purpletrace/internal/api"
	"purpletrace/internal/config"
	"purpletrace/internal/elastic"
	"purpletrace/internal/events"
	"purpletrace/internal/fetcher"
	"purpletrace/internal/host"
	"purpletrace/internal/metrics"
	"purpletrace/internal/orchestrator"
	"purpletrace/internal/tagger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"elk_url", cfg.Elastic.URL,
		"elk_index", cfg.Elastic.Index,
		"kafka_enabled", cfg.Events.Kafka.Enabled,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// The index client is optional: when it cannot be built the service
	// runs in fallback-only mode rather than refusing to start.
	var backend *elastic.Client
	backend, err = elastic.NewClient(elastic.Config{
		URL:            cfg.Elastic.URL,
		APIKey:         cfg.Elastic.APIKey,
		Username:       cfg.Elastic.Username,
		Password:       cfg.Elastic.Password,
		Index:          cfg.Elastic.Index,
		IndexPattern:   cfg.Elastic.IndexPattern,
		RequestTimeout: cfg.Elastic.RequestTimeout,
		MaxRetries:     cfg.Elastic.MaxRetries,
		VerifyTLS:      cfg.Elastic.VerifyTLS,
		SendMargin:     cfg.Elastic.SendMargin,
		MaxFailures:    cfg.Elastic.MaxFailures,
		ProbeInterval:  cfg.Elastic.ProbeInterval,
	}, logger.With("component", "elastic"))
	if err != nil {
		slog.Warn("index client unavailable, fallback logging only", "error", err)
		backend = nil
	} else {
		backend.SetOpenHook(func() {
			m.BreakerOpened.Inc()
			m.BreakerState.Set(1)
		})
		backend.SetCloseHook(func() {
			m.BreakerState.Set(0)
		})
	}

	store := tagger.NewFallbackStore(cfg.Tagger.FallbackDir,
		cfg.Tagger.DiskWarningGB, cfg.Tagger.DiskCriticalGB,
		logger.With("component", "fallback"))

	var sender tagger.Sender
	if backend != nil {
		sender = backend
	}
	tagSvc := tagger.NewService(sender, store, tagger.Config{
		MaxConcurrent:  cfg.Tagger.MaxConcurrent,
		OutputCapBytes: cfg.Tagger.OutputCapBytes,
	}, m, logger.With("component", "tagger"))

	var fetchBackend fetcher.Backend
	if backend != nil {
		fetchBackend = backend
	}
	fetchSvc := fetcher.New(fetchBackend, fetcher.Config{
		MaxTechniques: cfg.Fetch.MaxTechniquesPerQuery,
		Fields: fetcher.FieldPaths{
			OperationID:     cfg.Fields.OperationID,
			Technique:       cfg.Fields.Technique,
			DetectionStatus: cfg.Fields.DetectionStatus,
			RuleName:        cfg.Fields.RuleName,
		},
	}, m, logger.With("component", "fetcher"))

	// Event wiring: lifecycle events resolve to full records via the host
	// API, then flow into the tagging service.
	bus := events.NewBus(logger.With("component", "events"))
	hostClient := host.NewClient(host.ClientConfig{
		BaseURL: cfg.Host.BaseURL,
		APIKey:  cfg.Host.APIKey,
		Timeout: cfg.Host.Timeout,
	})
	orchestrator.NewService(hostClient, tagSvc, logger.With("component", "orchestrator")).Register(bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Events.Kafka.Enabled {
		source, err := events.NewKafkaSource(events.KafkaConfig{
			Brokers:       cfg.Events.Kafka.Brokers,
			Topic:         cfg.Events.Kafka.Topic,
			ConsumerGroup: cfg.Events.Kafka.ConsumerGroup,
			MinBytes:      cfg.Events.Kafka.MinBytes,
			MaxBytes:      cfg.Events.Kafka.MaxBytes,
			MaxWait:       cfg.Events.Kafka.MaxWait,
		}, bus, logger.With("component", "kafka"))
		if err != nil {
			slog.Error("failed to create kafka event source", "error", err)
			os.Exit(1)
		}
		defer source.Close()

		go func() {
			if err := source.Run(ctx); err != nil {
				slog.Error("kafka event source stopped", "error", err)
				stop()
			}
		}()
	}

	var apiBackend api.BackendStatus
	if backend != nil {
		apiBackend = backend
	}
	handler := api.NewHandler(tagSvc, fetchSvc, apiBackend, cfg.Tagger.FallbackDir,
		logger.With("component", "api"))

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	if backend != nil {
		backend.Close()
	}
	slog.Info("shutdown complete")
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
