// Package config reads the daemon settings from the environment and the
// network accounts from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

const (
	HistoryBbolt  = "bbolt"
	HistorySQLite = "sqlite"
)

type Config struct {
	DBFile        string
	HistoryStore  string
	HistoryDBFile string
	AdminAddr     string
	APIAddr       string
	BaseURL       string
	UploadsPath   string
	MaxUpload     int64
	AuthSecret    string
	TokenExpiry   time.Duration
	AccountsFile  string
	Tick          time.Duration
	Workers       int
	RingSize      int
	LogLevel      slog.Level
	LogJSON       bool

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// Load reads the environment. cliMode relaxes what only the daemon needs.
func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}
	tick, err := time.ParseDuration(getEnv("TICK_INTERVAL", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid TICK_INTERVAL: %w", err)
	}
	workers, err := strconv.Atoi(getEnv("WORKERS", "8"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKERS: %w", err)
	}
	ringSize, err := strconv.Atoi(getEnv("HISTORY_RING", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid HISTORY_RING: %w", err)
	}
	maxUpload, err := strconv.ParseInt(getEnv("MAX_UPLOAD", "52428800"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("PALAVER_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid PALAVER_LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("PALAVER_DB", "palaver.db"),
		HistoryStore:    getEnv("PALAVER_HISTORY", HistoryBbolt),
		HistoryDBFile:   getEnv("PALAVER_HISTORY_DB", "history.sqlite"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		MaxUpload:       maxUpload,
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		TokenExpiry:     tokenExpiry,
		AccountsFile:    os.Getenv("PALAVER_ACCOUNTS"),
		Tick:            tick,
		Workers:         workers,
		RingSize:        ringSize,
		LogLevel:        level,
		LogJSON:         getEnv("PALAVER_LOG_FORMAT", "text") == "json",
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return errors.New("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return errors.New("TOKEN_EXPIRY must be greater than 0")
	}

	if c.Tick <= 0 {
		return errors.New("TICK_INTERVAL must be greater than 0")
	}

	if c.Workers <= 0 {
		return errors.New("WORKERS must be greater than 0")
	}

	switch c.HistoryStore {
	case HistoryBbolt, HistorySQLite:
	default:
		return fmt.Errorf("PALAVER_HISTORY must be %q or %q", HistoryBbolt, HistorySQLite)
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY go together")
	}

	return nil
}

// PushEnabled reports whether web push is configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
