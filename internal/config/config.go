package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	APIBaseURL       string
	APITimeout       time.Duration
	SocketPath       string
	DBPath           string
	KeyPath          string
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	RetryCeiling     int
	SyncInterval     time.Duration
	RefreshLead      time.Duration
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:       "http://localhost:5000/api/delivery",
		APITimeout:       10 * time.Second,
		SocketPath:       defaultSocketPath(),
		DBPath:           defaultStatePath("state.db"),
		KeyPath:          defaultStatePath("device.key"),
		MaxLoginAttempts: 5,
		LockoutDuration:  300 * time.Second,
		RetryCeiling:     3,
		SyncInterval:     30 * time.Second,
		RefreshLead:      300 * time.Second,
	}
}

// FromEnv overlays environment variables on the defaults. Values that fail
// to parse keep the default.
func FromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("COURIER_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if ms, ok := envInt("COURIER_API_TIMEOUT_MS"); ok {
		cfg.APITimeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt("COURIER_MAX_LOGIN_ATTEMPTS"); ok {
		cfg.MaxLoginAttempts = n
	}
	if ms, ok := envInt("COURIER_LOGIN_LOCKOUT_MS"); ok {
		cfg.LockoutDuration = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := envInt("COURIER_SYNC_INTERVAL_MS"); ok {
		cfg.SyncInterval = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "courierd", "courierd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".courierd.sock"
	}
	return filepath.Join(home, ".local", "state", "courierd", "courierd.sock")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "courierd", name)
}
