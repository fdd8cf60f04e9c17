package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the gateway and the agent.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SampleRate        int
	StreamIdleTimeout time.Duration
	ReaperInterval    time.Duration

	VADThreshold    float64
	VADSpeechPadMs  int
	VADMinSpeechMs  int
	VADMinSilenceMs int
	VADMaxSilenceMs int

	ASRProvider string

	GatewayWSURL string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	TTSBaseURL  string
	TTSVoice    string
	AudioOutDir string

	HeartbeatInterval    time.Duration
	ReconnectMaxAttempts int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("VOXLINE_BIND_ADDR", ":8000"),
		MetricsNamespace:     envOrDefault("VOXLINE_METRICS_NAMESPACE", "voxline"),
		AllowAnyOrigin:       false,
		SampleRate:           16000,
		StreamIdleTimeout:    5 * time.Minute,
		ReaperInterval:       30 * time.Second,
		VADThreshold:         0.01,
		VADSpeechPadMs:       300,
		VADMinSpeechMs:       100,
		VADMinSilenceMs:      500,
		VADMaxSilenceMs:      10000,
		ASRProvider:          envOrDefault("VOXLINE_ASR_PROVIDER", "mock"),
		GatewayWSURL:         envOrDefault("VOXLINE_GATEWAY_WS_URL", "ws://localhost:8000"),
		LLMBaseURL:           envOrDefault("VOXLINE_LLM_BASE_URL", "https://api.cerebras.ai/v1"),
		LLMAPIKey:            trimEnv("VOXLINE_LLM_API_KEY"),
		LLMModel:             envOrDefault("VOXLINE_LLM_MODEL", "llama-3.3-70b"),
		TTSBaseURL:           trimEnv("VOXLINE_TTS_BASE_URL"),
		TTSVoice:             envOrDefault("VOXLINE_TTS_VOICE", "default"),
		AudioOutDir:          trimEnv("VOXLINE_AUDIO_OUT_DIR"),
		HeartbeatInterval:    10 * time.Second,
		ReconnectMaxAttempts: 3,
		DatabaseURL:          trimEnv("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("VOXLINE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamIdleTimeout, err = durationFromEnv("VOXLINE_STREAM_IDLE_TIMEOUT", cfg.StreamIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReaperInterval, err = durationFromEnv("VOXLINE_REAPER_INTERVAL", cfg.ReaperInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("VOXLINE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("VOXLINE_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("VOXLINE_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSpeechPadMs, err = intFromEnv("VOXLINE_VAD_SPEECH_PAD_MS", cfg.VADSpeechPadMs)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSpeechMs, err = intFromEnv("VOXLINE_VAD_MIN_SPEECH_MS", cfg.VADMinSpeechMs)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSilenceMs, err = intFromEnv("VOXLINE_VAD_MIN_SILENCE_MS", cfg.VADMinSilenceMs)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMaxSilenceMs, err = intFromEnv("VOXLINE_VAD_MAX_SILENCE_MS", cfg.VADMaxSilenceMs)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxAttempts, err = intFromEnv("VOXLINE_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("VOXLINE_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_SAMPLE_RATE must be positive")
	}
	if cfg.StreamIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("VOXLINE_STREAM_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.VADThreshold <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_VAD_THRESHOLD must be positive")
	}
	if cfg.VADMinSilenceMs > cfg.VADMaxSilenceMs {
		return Config{}, fmt.Errorf("VOXLINE_VAD_MIN_SILENCE_MS must not exceed VOXLINE_VAD_MAX_SILENCE_MS")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_RECONNECT_MAX_ATTEMPTS must be positive")
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

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
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
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
