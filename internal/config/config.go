package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the huddle signaling engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LocalUserID   string
	LocalDeviceID string

	RoomSyncURL     string
	PeerTransport   string
	ICEServers      []string
	JanitorInterval time.Duration

	DatabaseURL string
	LogLevel    string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "huddle"),
		AllowAnyOrigin:   false,
		LocalUserID:      envOrDefault("HUDDLE_USER_ID", "@huddle:localhost"),
		LocalDeviceID:    envOrDefault("HUDDLE_DEVICE_ID", "HUDDLEDEV"),
		RoomSyncURL:      trimSpaceEnv("HUDDLE_ROOM_SYNC_URL"),
		// auto picks webrtc when ICE servers are configured, mock otherwise.
		PeerTransport:   envOrDefault("HUDDLE_PEER_TRANSPORT", "auto"),
		DatabaseURL:     trimSpaceEnv("DATABASE_URL"),
		LogLevel:        envOrDefault("APP_LOG_LEVEL", "info"),
		ShutdownTimeout: 15 * time.Second,
		JanitorInterval: 10 * time.Second,
	}

	servers := envOrDefault("HUDDLE_ICE_SERVERS", "stun:stun.l.google.com:19302")
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.ICEServers = append(cfg.ICEServers, s)
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("HUDDLE_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.LocalUserID) == "" {
		return Config{}, fmt.Errorf("HUDDLE_USER_ID must not be empty")
	}
	if strings.TrimSpace(cfg.LocalDeviceID) == "" {
		return Config{}, fmt.Errorf("HUDDLE_DEVICE_ID must not be empty")
	}
	if cfg.JanitorInterval < time.Second {
		return Config{}, fmt.Errorf("HUDDLE_JANITOR_INTERVAL must be at least 1s")
	}
	switch cfg.PeerTransport {
	case "auto", "webrtc", "mock":
	default:
		return Config{}, fmt.Errorf("HUDDLE_PEER_TRANSPORT must be auto, webrtc or mock")
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

func trimSpaceEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimSpaceEnv(key))
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
