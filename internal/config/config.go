// Package config loads the bridge settings snapshot. Settings are read once
// at startup and consumed read-only; the bridge never mutates them.
package config

import (
	"os"
	"strconv"
	"time"
)

// Settings is the read-only configuration surface consumed by the bridge.
type Settings struct {
	// Host is the listener bind host ("*"/"+" for any address).
	Host string

	// Port is the listener port.
	Port int

	// Path is the fixed bridge HTTP path.
	Path string

	// AutoConnect starts the listener on host startup without an explicit
	// Connect call.
	AutoConnect bool

	// PushInterval throttles contextUpdate envelopes.
	PushInterval time.Duration

	// HeartbeatInterval paces heartbeat envelopes while connected.
	HeartbeatInterval time.Duration

	// Token is an optional shared token embedded in the hello envelope.
	Token string

	// DBPath locates the host-level durable state database.
	DBPath string

	// StatusPort serves the harness health/status API; 0 disables it.
	StatusPort int
}

// Default returns the settings used when no environment overrides are set.
func Default() Settings {
	return Settings{
		Host:              "127.0.0.1",
		Port:              7410,
		Path:              "/bridge",
		AutoConnect:       false,
		PushInterval:      5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DBPath:            "data/bridge.db",
		StatusPort:        7411,
	}
}

// FromEnv returns the default settings overridden by environment variables.
func FromEnv() Settings {
	s := Default()
	s.Host = getEnv("BRIDGE_HOST", s.Host)
	s.Port = getEnvInt("BRIDGE_PORT", s.Port)
	s.Path = getEnv("BRIDGE_PATH", s.Path)
	s.AutoConnect = getEnvBool("BRIDGE_AUTO_CONNECT", s.AutoConnect)
	s.PushInterval = getEnvSeconds("BRIDGE_PUSH_INTERVAL", s.PushInterval)
	s.HeartbeatInterval = getEnvSeconds("BRIDGE_HEARTBEAT_INTERVAL", s.HeartbeatInterval)
	s.Token = getEnv("BRIDGE_TOKEN", s.Token)
	s.DBPath = getEnv("BRIDGE_DB_PATH", s.DBPath)
	s.StatusPort = getEnvInt("BRIDGE_STATUS_PORT", s.StatusPort)
	return s
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}
