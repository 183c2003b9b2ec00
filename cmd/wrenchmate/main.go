package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucafier/wrenchmate/internal/audio"
	"github.com/lucafier/wrenchmate/internal/capture"
	"github.com/lucafier/wrenchmate/internal/config"
	"github.com/lucafier/wrenchmate/internal/garage"
	"github.com/lucafier/wrenchmate/internal/geo"
	"github.com/lucafier/wrenchmate/internal/httpapi"
	"github.com/lucafier/wrenchmate/internal/live"
	"github.com/lucafier/wrenchmate/internal/observability"
	"github.com/lucafier/wrenchmate/internal/player"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := garage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("service history store init failed: %v", err)
	}
	defer store.Close()

	shops := geo.NewCachedResolver(geo.NewStaticResolver(geo.DemoDirectory()), cfg.GeoCacheTTL)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	shops.StartJanitor(runCtx, time.Minute)

	factory := func(onText func(string)) httpapi.Session {
		return live.NewController(live.Config{
			Endpoint:          cfg.LiveEndpoint,
			APIKey:            cfg.LiveAPIKey,
			Model:             cfg.LiveModel,
			Voice:             cfg.LiveVoice,
			SystemInstruction: cfg.LiveSystemInstruction,
			Mic:               newMicSource(),
			Frames:            newFrameSource(cfg),
			Renderer:          player.New(newSink(cfg), audio.PlaybackRate),
			OnText:            onText,
			Metrics:           metrics,
		})
	}

	api := httpapi.New(cfg, store, shops, metrics, factory)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
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

// CAPTURE_SOURCE only disables video; a session always has a microphone.
func newMicSource() capture.MicSource {
	return capture.NewSineMicSource()
}

func newFrameSource(cfg config.Config) capture.FrameSource {
	if cfg.CaptureSource == "none" {
		return nil
	}
	return capture.NewTestPatternFrameSource()
}

func newSink(cfg config.Config) player.Sink {
	switch cfg.AudioSink {
	case "wav":
		return player.NewWAVSink(cfg.AudioWAVPath, audio.PlaybackRate)
	case "discard":
		return player.DiscardSink{}
	default:
		return player.NewFFPlaySink("", audio.PlaybackRate)
	}
}
