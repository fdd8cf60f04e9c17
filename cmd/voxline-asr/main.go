package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/voxline/voxline/internal/asr"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/observability"
	"github.com/voxline/voxline/internal/vad"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var transcriber asr.Transcriber
	switch strings.ToLower(strings.TrimSpace(cfg.ASRProvider)) {
	case "", "mock":
		transcriber = &asr.MockTranscriber{Text: "mock transcript"}
		log.Printf("asr provider: mock")
	default:
		log.Fatalf("invalid VOXLINE_ASR_PROVIDER: %q (expected mock)", cfg.ASRProvider)
	}

	registry := asr.NewRegistry(transcriber, vad.Params{
		Threshold:    cfg.VADThreshold,
		SpeechPadMs:  cfg.VADSpeechPadMs,
		MinSpeechMs:  cfg.VADMinSpeechMs,
		MinSilenceMs: cfg.VADMinSilenceMs,
		MaxSilenceMs: cfg.VADMaxSilenceMs,
		SampleRate:   cfg.SampleRate,
	})
	registry.SetIdleTimeout(cfg.StreamIdleTimeout)
	registry.SetExpireHook(func(streamID string) {
		log.Printf("stream %s expired", streamID)
		metrics.StreamEvents.WithLabelValues("expired").Inc()
		metrics.ActiveStreams.Set(float64(registry.Len()))
	})

	srv := gateway.New(cfg, registry, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartReaper(runCtx, cfg.ReaperInterval)

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
