package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want :8000", cfg.BindAddr)
	}
	if cfg.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", cfg.SampleRate)
	}
	if cfg.VADThreshold != 0.01 {
		t.Fatalf("VADThreshold = %v, want 0.01", cfg.VADThreshold)
	}
	if cfg.ReconnectMaxAttempts != 3 {
		t.Fatalf("ReconnectMaxAttempts = %d, want 3", cfg.ReconnectMaxAttempts)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 10s", cfg.HeartbeatInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOXLINE_BIND_ADDR", ":9100")
	t.Setenv("VOXLINE_VAD_THRESHOLD", "0.02")
	t.Setenv("VOXLINE_STREAM_IDLE_TIMEOUT", "90s")
	t.Setenv("VOXLINE_ALLOW_ANY_ORIGIN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9100" {
		t.Fatalf("BindAddr = %q, want :9100", cfg.BindAddr)
	}
	if cfg.VADThreshold != 0.02 {
		t.Fatalf("VADThreshold = %v, want 0.02", cfg.VADThreshold)
	}
	if cfg.StreamIdleTimeout != 90*time.Second {
		t.Fatalf("StreamIdleTimeout = %v, want 90s", cfg.StreamIdleTimeout)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin should be true")
	}
}

func TestLoadRejectsInvalidSilenceWindow(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOXLINE_VAD_MIN_SILENCE_MS", "20000")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when min silence exceeds max silence")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOXLINE_HEARTBEAT_INTERVAL", "often")

	if _, err := Load(); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"VOXLINE_BIND_ADDR",
		"VOXLINE_SHUTDOWN_TIMEOUT",
		"VOXLINE_METRICS_NAMESPACE",
		"VOXLINE_ALLOW_ANY_ORIGIN",
		"VOXLINE_SAMPLE_RATE",
		"VOXLINE_STREAM_IDLE_TIMEOUT",
		"VOXLINE_REAPER_INTERVAL",
		"VOXLINE_VAD_THRESHOLD",
		"VOXLINE_VAD_SPEECH_PAD_MS",
		"VOXLINE_VAD_MIN_SPEECH_MS",
		"VOXLINE_VAD_MIN_SILENCE_MS",
		"VOXLINE_VAD_MAX_SILENCE_MS",
		"VOXLINE_ASR_PROVIDER",
		"VOXLINE_GATEWAY_WS_URL",
		"VOXLINE_LLM_BASE_URL",
		"VOXLINE_LLM_API_KEY",
		"VOXLINE_LLM_MODEL",
		"VOXLINE_TTS_BASE_URL",
		"VOXLINE_TTS_VOICE",
		"VOXLINE_AUDIO_OUT_DIR",
		"VOXLINE_HEARTBEAT_INTERVAL",
		"VOXLINE_RECONNECT_MAX_ATTEMPTS",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
