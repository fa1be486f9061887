package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allConfigKeys lists every MAILADMIN_ env var that Load() reads.
var allConfigKeys = []string{
	"MAILADMIN_ENV_FILE",
	"MAILADMIN_LISTEN_ADDR",
	"MAILADMIN_DB_PATH",
	"MAILADMIN_SECRET_KEY",
	"MAILADMIN_IMAP_HOST",
	"MAILADMIN_TOKEN_URL",
	"MAILADMIN_TOKEN_REFRESH_ENABLED",
	"MAILADMIN_TOKEN_REFRESH_INTERVAL",
	"MAILADMIN_TOKEN_REFRESH_DAYS",
	"MAILADMIN_API_KEY",
}

// isolateConfigEnv saves and unsets all MAILADMIN_ env vars so tests don't
// inherit values from the host environment. The env file is disabled unless
// a test sets MAILADMIN_ENV_FILE itself. t.Cleanup restores original values.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range allConfigKeys {
		if orig, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, orig) })
		} else {
			t.Cleanup(func() { os.Unsetenv(key) })
		}
		os.Unsetenv(key)
	}
	os.Setenv("MAILADMIN_ENV_FILE", "")
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", cfg.ListenAddr)
	assert.Equal(t, "mailadmin.db", cfg.DBPath)
	assert.Equal(t, "outlook.live.com:993", cfg.IMAPAddr)
	assert.Equal(t, DefaultTokenURL, cfg.TokenURL)
	assert.True(t, cfg.RefreshEnabled)
	assert.Equal(t, time.Second, cfg.RefreshPace)
	assert.Equal(t, 60, cfg.RefreshDays)
	assert.Empty(t, cfg.APIKey)
	assert.False(t, cfg.HasSecretKey())
}

func TestLoad_Success(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("MAILADMIN_LISTEN_ADDR", "0.0.0.0:9090")
	t.Setenv("MAILADMIN_DB_PATH", "/tmp/test.db")
	t.Setenv("MAILADMIN_SECRET_KEY", "c2VjcmV0")
	t.Setenv("MAILADMIN_IMAP_HOST", "imap.example.com:1993")
	t.Setenv("MAILADMIN_TOKEN_URL", "http://127.0.0.1:1/token")
	t.Setenv("MAILADMIN_TOKEN_REFRESH_ENABLED", "false")
	t.Setenv("MAILADMIN_TOKEN_REFRESH_INTERVAL", "250ms")
	t.Setenv("MAILADMIN_TOKEN_REFRESH_DAYS", "30")
	t.Setenv("MAILADMIN_API_KEY", "k")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.True(t, cfg.HasSecretKey())
	assert.Equal(t, "imap.example.com:1993", cfg.IMAPAddr)
	assert.Equal(t, "http://127.0.0.1:1/token", cfg.TokenURL)
	assert.False(t, cfg.RefreshEnabled)
	assert.Equal(t, 250*time.Millisecond, cfg.RefreshPace)
	assert.Equal(t, 30, cfg.RefreshDays)
	assert.Equal(t, "k", cfg.APIKey)
}

func TestLoad_IMAPHostWithoutPort(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("MAILADMIN_IMAP_HOST", "outlook.office365.com")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "outlook.office365.com:993", cfg.IMAPAddr)
}

func TestLoad_RefreshDaysFloored(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("MAILADMIN_TOKEN_REFRESH_DAYS", "0")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 1, cfg.RefreshDays)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"enabled not a bool", "MAILADMIN_TOKEN_REFRESH_ENABLED", "sometimes"},
		{"interval not a duration", "MAILADMIN_TOKEN_REFRESH_INTERVAL", "fast"},
		{"interval negative", "MAILADMIN_TOKEN_REFRESH_INTERVAL", "-1s"},
		{"days not an integer", "MAILADMIN_TOKEN_REFRESH_DAYS", "sixty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateConfigEnv(t)
			t.Setenv(tt.key, tt.val)

			cfg, err := Load()

			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	isolateConfigEnv(t)
	path := filepath.Join(t.TempDir(), "mailadmin.env")
	require.NoError(t, os.WriteFile(path, []byte("MAILADMIN_DB_PATH=/from/file.db\nMAILADMIN_LISTEN_ADDR=127.0.0.1:1\n"), 0o600))
	t.Setenv("MAILADMIN_ENV_FILE", path)
	t.Setenv("MAILADMIN_LISTEN_ADDR", "127.0.0.1:2")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "/from/file.db", cfg.DBPath)
	assert.Equal(t, "127.0.0.1:2", cfg.ListenAddr, "the process environment wins over the file")
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("MAILADMIN_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	_, err := Load()

	assert.NoError(t, err)
}
