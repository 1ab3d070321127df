package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Realtime upstream (the remote conversational agent).
	RealtimeAPIKey      string
	RealtimeBaseURL     string
	RealtimeSessionsURL string
	RealtimeModel       string
	RealtimeVoice       string
	TranscriptionModel  string
	STUNServer          string
	Temperature         float64
	MaxResponseTokens   int

	// Session bookkeeping.
	SessionsPerCycle   int
	SessionDurationCap time.Duration
	HeartbeatInterval  time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "attune"),
		AllowAnyOrigin:      false,
		RealtimeAPIKey:      stringsTrimSpace("REALTIME_API_KEY"),
		RealtimeBaseURL:     envOrDefault("REALTIME_BASE_URL", "https://api.openai.com/v1/realtime"),
		RealtimeSessionsURL: envOrDefault("REALTIME_SESSIONS_URL", "https://api.openai.com/v1/realtime/sessions"),
		RealtimeModel:       envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:       envOrDefault("REALTIME_VOICE", "alloy"),
		TranscriptionModel:  envOrDefault("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		STUNServer:          envOrDefault("APP_STUN_SERVER", "stun:stun.l.google.com:19302"),
		Temperature:         0.8,
		MaxResponseTokens:   600,
		SessionsPerCycle:    50,
		SessionDurationCap:  10 * time.Minute,
		HeartbeatInterval:   5 * time.Second,
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionDurationCap, err = durationFromEnv("APP_SESSION_DURATION_CAP", cfg.SessionDurationCap)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionsPerCycle, err = intFromEnv("APP_SESSIONS_PER_CYCLE", cfg.SessionsPerCycle)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxResponseTokens, err = intFromEnv("REALTIME_MAX_RESPONSE_TOKENS", cfg.MaxResponseTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("REALTIME_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionsPerCycle <= 0 {
		return Config{}, fmt.Errorf("APP_SESSIONS_PER_CYCLE must be positive")
	}
	if cfg.SessionDurationCap < 30*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_DURATION_CAP must be at least 30s")
	}
	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("REALTIME_TEMPERATURE must be in [0, 2]")
	}
	if cfg.MaxResponseTokens <= 0 {
		return Config{}, fmt.Errorf("REALTIME_MAX_RESPONSE_TOKENS must be positive")
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
