package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the repair assistant daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	FirstAudioSLO    time.Duration

	LiveAPIKey            string
	LiveEndpoint          string
	LiveModel             string
	LiveVoice             string
	LiveSystemInstruction string

	// CaptureSource selects where media comes from: "mock" produces a sine
	// tone and a synthetic test pattern so the daemon runs headless.
	CaptureSource string

	// AudioSink selects playback: "ffplay", "wav" or "discard".
	AudioSink    string
	AudioWAVPath string

	DatabaseURL     string
	GeoCacheTTL     time.Duration
	TranscriptLimit int
}

const defaultSystemInstruction = "You are a hands-on automotive repair guide. " +
	"Watch the video feed, listen to the user and walk them through the job " +
	"one step at a time. Keep answers short and wait for the user to confirm " +
	"each step before moving on."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "wrenchmate"),
		LiveAPIKey:       stringsTrimSpace("GEMINI_API_KEY"),
		LiveEndpoint: envOrDefault("LIVE_ENDPOINT",
			"wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		LiveModel:             envOrDefault("LIVE_MODEL", "models/gemini-2.0-flash-exp"),
		LiveVoice:             envOrDefault("LIVE_VOICE", "Puck"),
		LiveSystemInstruction: envOrDefault("LIVE_SYSTEM_INSTRUCTION", defaultSystemInstruction),
		CaptureSource:         envOrDefault("CAPTURE_SOURCE", "mock"),
		AudioSink:             envOrDefault("AUDIO_SINK", "ffplay"),
		AudioWAVPath:          envOrDefault("AUDIO_WAV_PATH", "wrenchmate-out.wav"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
		FirstAudioSLO:         700 * time.Millisecond,
		GeoCacheTTL:           10 * time.Minute,
		TranscriptLimit:       200,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.GeoCacheTTL, err = durationFromEnv("GEO_CACHE_TTL", cfg.GeoCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptLimit, err = intFromEnv("APP_TRANSCRIPT_LIMIT", cfg.TranscriptLimit)
	if err != nil {
		return Config{}, err
	}

	switch cfg.CaptureSource {
	case "mock", "none":
	default:
		return Config{}, fmt.Errorf("CAPTURE_SOURCE must be mock or none")
	}
	switch cfg.AudioSink {
	case "ffplay", "wav", "discard":
	default:
		return Config{}, fmt.Errorf("AUDIO_SINK must be ffplay, wav or discard")
	}
	if cfg.TranscriptLimit <= 0 {
		return Config{}, fmt.Errorf("APP_TRANSCRIPT_LIMIT must be positive")
	}
	if cfg.GeoCacheTTL < time.Second {
		return Config{}, fmt.Errorf("GEO_CACHE_TTL must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
