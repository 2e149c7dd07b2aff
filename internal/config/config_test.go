package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sectorcount.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, 3, cfg.Recount.MaxRounds)
	assert.Equal(t, BackendSQLite, cfg.Journal.Backend)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeFile(t, `
gateway:
  base_url: https://gateway.example.com
  timeout: 3s
journal:
  backend: redis
  redis_addr: localhost:6379
  retention: 12h
recount:
  max_rounds: 5
operator: ana
slot: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://gateway.example.com", cfg.Gateway.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 20.0, cfg.Gateway.RatePerSecond, "unset fields keep defaults")
	assert.Equal(t, BackendRedis, cfg.Journal.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, 5, cfg.Recount.MaxRounds)
	assert.Equal(t, "ana", cfg.Operator)
	assert.Equal(t, 2, cfg.Slot)
}

func TestLoad_EmptyFileIsDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Gateway, cfg.Gateway)
}

func TestLoad_TokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Gateway.Token)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "gateway:\n  base_ur: http://x\n"},
		{"bad backend", "journal:\n  backend: postgres\n"},
		{"redis without addr", "journal:\n  backend: redis\n"},
		{"badger without path", "journal:\n  backend: badger\n  path: \"\"\n"},
		{"zero rounds", "recount:\n  max_rounds: 0\n"},
		{"bad slot", "slot: 3\n"},
		{"bad url", "gateway:\n  base_url: not a url\n"},
		{"negative retention", "journal:\n  retention: -1h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)

	cfg, err := Load(writeFile(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
