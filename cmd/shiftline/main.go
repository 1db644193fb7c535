package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shiftline/shiftline/internal/api"
	"github.com/shiftline/shiftline/internal/api/middleware"
	"github.com/shiftline/shiftline/internal/blob"
	"github.com/shiftline/shiftline/internal/calllog"
	"github.com/shiftline/shiftline/internal/carrier"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/events"
	"github.com/shiftline/shiftline/internal/mediastream"
	"github.com/shiftline/shiftline/internal/metrics"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/records"
	"github.com/shiftline/shiftline/internal/speech"
	"github.com/shiftline/shiftline/internal/store"
	"github.com/shiftline/shiftline/internal/wave"
	"github.com/shiftline/shiftline/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting shiftline",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"redis_addr", cfg.RedisAddr,
	)

	// Open the record database and run migrations.
	db, err := records.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open record database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Redis-backed call state, queues, and event streams.
	st, err := store.Open(appCtx, store.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		slog.Error("failed to connect to the state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	logs := calllog.New(db, logger)
	bus := events.NewBus(st, logger)
	queues := queue.New(st, logger, cfg.HoldAvgCallSecs)
	caller := carrier.New(cfg.CarrierBaseURL, cfg.CarrierAccount, cfg.CarrierAuthToken, logger)

	// Outbound dialing waves.
	backoff, err := cfg.WaveBackoff()
	if err != nil {
		slog.Error("invalid wave backoff schedule", "error", err)
		os.Exit(1)
	}
	waves := wave.New(wave.Config{
		Rounds:        cfg.WaveRounds,
		Backoff:       backoff,
		Concurrency:   cfg.WaveConcurrency,
		DialTimeout:   cfg.DialTimeoutSecs,
		PublicBaseURL: cfg.PublicBaseURL,
		FromNumber:    cfg.CarrierFromNumber,
	}, st, db, caller, bus, logs, logger)

	// Blob storage for recordings and reports.
	if cfg.BlobSigningKey == "" {
		slog.Warn("no blob signing key configured, presigned URLs are forgeable")
	}
	blobs, err := blob.NewFSStore(filepath.Join(cfg.DataDir, "blobs"), cfg.PublicBaseURL, []byte(cfg.BlobSigningKey), logger)
	if err != nil {
		slog.Error("failed to open blob storage", "error", err)
		os.Exit(1)
	}

	// Carrier webhook dialog dispatcher.
	dispatcher := webhook.New(webhook.Deps{
		Config:  cfg,
		Store:   st,
		Records: db,
		Queue:   queues,
		Waves:   waves,
		Bus:     bus,
		Logs:    logs,
		Logger:  logger,
	})

	// Media stream server for outbound offers and stream recording.
	mediaSrv := mediastream.NewServer(mediastream.Deps{
		Config: cfg,
		Dialog: dispatcher,
		TTS:    speech.NewHTTPTTS(cfg.TTSURL, logger),
		STT:    speech.NewHTTPSTT(cfg.STTURL, logger),
		Blobs:  blobs,
		Logs:   logs,
		Logger: logger,
	})

	// Provider event stream.
	sse := events.NewSSEHandler(st, logger,
		time.Duration(cfg.SSEPollIntervalSecs)*time.Second,
		time.Duration(cfg.SSEKeepaliveSecs)*time.Second,
	)

	// Session store for portal auth.
	sessions := middleware.NewSessionStore()
	middleware.StartCleanupTicker(appCtx, sessions, 15*time.Minute)

	// Engine metrics gathered at scrape time.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(mediaSrv, queues, db, db, logs, sse, time.Now()))

	handler := api.NewServer(api.Deps{
		Config:   cfg,
		Records:  db,
		Queue:    queues,
		Sessions: sessions,
		Events:   sse,
		Blobs:    blobs.Handler(),
		Media:    mediaSrv,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Webhooks: dispatcher.Routes,
		Logger:   logger,
	})
	defer handler.Close()

	// Run the wave scheduler alongside the HTTP server.
	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		return waves.Run(gctx)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
		// No write timeout: the SSE stream and the media WebSocket outlive
		// any fixed deadline.
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("background workers exited with error", "error", err)
	}

	slog.Info("shiftline stopped")
}
