// Command wrenchmate-probe drives one live session against the real
// endpoint and reports connect and first-audio latency. The model's spoken
// answer is written to a WAV file for inspection.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lucafier/wrenchmate/internal/audio"
	"github.com/lucafier/wrenchmate/internal/capture"
	"github.com/lucafier/wrenchmate/internal/live"
	"github.com/lucafier/wrenchmate/internal/player"
)

type options struct {
	endpoint string
	apiKey   string
	model    string
	voice    string
	mode     string
	duration time.Duration
	wavPath  string
	verbose  bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wrenchmate-probe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "wrenchmate-probe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var durationMS int

	flag.StringVar(&cfg.endpoint, "endpoint",
		"wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
		"live service websocket endpoint")
	flag.StringVar(&cfg.apiKey, "api-key", os.Getenv("GEMINI_API_KEY"), "live service api key")
	flag.StringVar(&cfg.model, "model", "models/gemini-2.0-flash-exp", "model to probe")
	flag.StringVar(&cfg.voice, "voice", "Puck", "prebuilt voice name")
	flag.StringVar(&cfg.mode, "mode", "stream", "session mode: stream or static")
	flag.IntVar(&durationMS, "duration-ms", 10000, "how long to keep the session open")
	flag.StringVar(&cfg.wavPath, "wav", "probe-out.wav", "where to write the model audio")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print session progress")
	flag.Parse()

	cfg.duration = time.Duration(durationMS) * time.Millisecond
	return cfg, validate(cfg)
}

func validate(cfg options) error {
	if strings.TrimSpace(cfg.endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if strings.TrimSpace(cfg.apiKey) == "" {
		return fmt.Errorf("api key is required (flag -api-key or GEMINI_API_KEY)")
	}
	if cfg.mode != "stream" && cfg.mode != "static" {
		return fmt.Errorf("mode must be stream or static")
	}
	if cfg.duration < time.Second || cfg.duration > 5*time.Minute {
		return fmt.Errorf("duration-ms must be in [1000, 300000]")
	}
	return nil
}

// timingRenderer wraps the player to record when the first model audio
// chunk lands.
type timingRenderer struct {
	inner live.Renderer

	mu         sync.Mutex
	started    time.Time
	firstAudio time.Duration
	chunks     int
}

func newTimingRenderer(inner live.Renderer) *timingRenderer {
	return &timingRenderer{inner: inner}
}

func (r *timingRenderer) Init() error {
	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()
	return r.inner.Init()
}

func (r *timingRenderer) Enqueue(payload []byte) {
	r.mu.Lock()
	if r.chunks == 0 {
		r.firstAudio = time.Since(r.started)
	}
	r.chunks++
	r.mu.Unlock()
	r.inner.Enqueue(payload)
}

func (r *timingRenderer) Stop() { r.inner.Stop() }

func (r *timingRenderer) Active() bool { return r.inner.Active() }

func (r *timingRenderer) stats() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstAudio, r.chunks
}

func run(cfg options) error {
	renderer := newTimingRenderer(player.New(
		player.NewWAVSink(cfg.wavPath, audio.PlaybackRate), audio.PlaybackRate))

	ctrl := live.NewController(live.Config{
		Endpoint:          cfg.endpoint,
		APIKey:            cfg.apiKey,
		Model:             cfg.model,
		Voice:             cfg.voice,
		SystemInstruction: "Briefly describe what you see and hear.",
		Mic:               capture.NewSineMicSource(),
		Frames:            capture.NewTestPatternFrameSource(),
		Renderer:          renderer,
		OnText: func(text string) {
			if cfg.verbose {
				fmt.Printf("model: %s\n", text)
			}
		},
	})

	started := time.Now()
	if err := ctrl.Start(live.Mode(cfg.mode)); err != nil {
		return err
	}
	if cfg.verbose {
		fmt.Printf("connected in %s, holding session for %s\n",
			time.Since(started).Round(time.Millisecond), cfg.duration)
	}

	if cfg.mode == "static" {
		// Give setup a moment to complete before pushing the single frame.
		time.Sleep(2 * time.Second)
		if err := ctrl.SnapStaticImage(); err != nil {
			fmt.Fprintf(os.Stderr, "wrenchmate-probe: snap frame: %v\n", err)
		}
	}

	deadline := time.After(cfg.duration)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
hold:
	for {
		select {
		case <-deadline:
			break hold
		case <-ticker.C:
			st := ctrl.Snapshot()
			if st.State == live.StateError {
				ctrl.Stop()
				return fmt.Errorf("session failed: %s", st.Error)
			}
			if st.State == live.StateIdle {
				break hold
			}
		}
	}
	ctrl.Stop()

	firstAudio, chunks := renderer.stats()
	fmt.Printf("session %s: %d audio chunks\n", ctrl.Snapshot().SessionID, chunks)
	if chunks > 0 {
		fmt.Printf("first audio after %s\n", firstAudio.Round(time.Millisecond))
		fmt.Printf("model audio written to %s\n", cfg.wavPath)
	} else {
		fmt.Printf("no model audio received\n")
	}
	return nil
}
