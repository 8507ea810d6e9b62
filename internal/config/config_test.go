package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoad_Defaults(t *testing.T) {
	noEnvFile(t)
	t.Setenv("AUTH_SECRET", "secret")

	cfg, err := Load(false)
	require.NoError(t, err)

	assert.Equal(t, "courier.db", cfg.DBFile)
	assert.Equal(t, "localhost:8081", cfg.AdminAddr)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 24*time.Hour, cfg.TokenExpiry)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.Equal(t, int64(65536), cfg.MaxFrameSize)
	assert.Equal(t, 4000, cfg.MaxContentLength)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.PushEnabled())
}

func TestLoad_RequiresSecret(t *testing.T) {
	noEnvFile(t)
	t.Setenv("AUTH_SECRET", "")

	_, err := Load(false)
	require.Error(t, err)

	// CLI mode talks to the admin API and does not need the secret.
	_, err = Load(true)
	require.NoError(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	noEnvFile(t)
	t.Setenv("AUTH_SECRET", "secret")
	t.Setenv("AUTH_TIMEOUT", "2s")
	t.Setenv("SEND_BUFFER", "8")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 8, cfg.SendBuffer)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"TOKEN_EXPIRY", "soon"},
		{"AUTH_TIMEOUT", "0s"},
		{"SEND_BUFFER", "many"},
		{"SEND_BUFFER", "0"},
		{"PING_INTERVAL", "2m"},
		{"VAPID_PUBLIC_KEY", "only-public"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			noEnvFile(t)
			t.Setenv("AUTH_SECRET", "secret")
			t.Setenv(tt.key, tt.value)

			_, err := Load(false)
			require.Error(t, err)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("COURIER_TEST_DB=from-file.db\n"), 0600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("AUTH_SECRET", "secret")
	t.Cleanup(func() { _ = os.Unsetenv("COURIER_TEST_DB") })

	_, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, "from-file.db", os.Getenv("COURIER_TEST_DB"))
}
