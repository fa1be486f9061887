// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the optional variables.
const (
	DefaultListenAddr  = "127.0.0.1:5000"
	DefaultDBPath      = "mailadmin.db"
	DefaultIMAPAddr    = "outlook.live.com:993"
	DefaultTokenURL    = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	DefaultRefreshPace = time.Second
	DefaultRefreshDays = 60
	DefaultEnvFile     = ".env"
	defaultIMAPPort    = "993"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	SecretKey      string
	IMAPAddr       string
	TokenURL       string
	RefreshEnabled bool
	RefreshPace    time.Duration
	RefreshDays    int
	APIKey         string
}

// HasSecretKey reports whether secrets should be encrypted at rest.
func (c *Config) HasSecretKey() bool {
	return c.SecretKey != ""
}

// Load reads configuration from environment variables and returns a validated
// Config. If MAILADMIN_ENV_FILE (default .env) exists it is loaded first;
// variables already set in the environment win over the file.
func Load() (*Config, error) {
	envFile := DefaultEnvFile
	if v, ok := os.LookupEnv("MAILADMIN_ENV_FILE"); ok {
		envFile = v
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %q: %w", envFile, err)
		}
	}

	cfg := &Config{
		ListenAddr:     getEnvOrDefault("MAILADMIN_LISTEN_ADDR", DefaultListenAddr),
		DBPath:         getEnvOrDefault("MAILADMIN_DB_PATH", DefaultDBPath),
		SecretKey:      os.Getenv("MAILADMIN_SECRET_KEY"),
		IMAPAddr:       withDefaultPort(getEnvOrDefault("MAILADMIN_IMAP_HOST", DefaultIMAPAddr)),
		TokenURL:       getEnvOrDefault("MAILADMIN_TOKEN_URL", DefaultTokenURL),
		RefreshEnabled: true,
		RefreshPace:    DefaultRefreshPace,
		RefreshDays:    DefaultRefreshDays,
		APIKey:         os.Getenv("MAILADMIN_API_KEY"),
	}

	if v, ok := os.LookupEnv("MAILADMIN_TOKEN_REFRESH_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("MAILADMIN_TOKEN_REFRESH_ENABLED has invalid boolean %q: %w", v, err)
		}
		cfg.RefreshEnabled = enabled
	}

	if v, ok := os.LookupEnv("MAILADMIN_TOKEN_REFRESH_INTERVAL"); ok && v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MAILADMIN_TOKEN_REFRESH_INTERVAL has invalid duration %q: %w", v, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("MAILADMIN_TOKEN_REFRESH_INTERVAL must be positive, got %s", parsed)
		}
		cfg.RefreshPace = parsed
	}

	if v, ok := os.LookupEnv("MAILADMIN_TOKEN_REFRESH_DAYS"); ok && v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAILADMIN_TOKEN_REFRESH_DAYS has invalid integer %q: %w", v, err)
		}
		cfg.RefreshDays = max(days, 1)
	}

	return cfg, nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// withDefaultPort appends the IMAPS port when addr has none.
func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultIMAPPort)
}
