package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a config that passes Validate, for mutation in tests.
func validConfig() *Config {
	cfg := &Config{
		Auth:  AuthConfig{JWTSecret: "test-secret"},
		Model: ModelConfig{APIKey: "test-key"},
	}
	applyDefaults(cfg)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("MODEL_API_KEY", "test-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "recalld", cfg.Observability.ServiceName)
	assert.Equal(t, "chromem", cfg.Index.Provider)
	assert.Equal(t, 768, cfg.Embeddings.Dimensions)
	assert.Equal(t, 20, cfg.Memory.RecencyWindow)
	assert.Equal(t, 5, cfg.Memory.RelevanceK)
	assert.Equal(t, 20, cfg.Memory.OverfetchMultiplier)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("MODEL_API_KEY", "test-key")
	t.Setenv("SERVER_HTTP_PORT", "9999")
	t.Setenv("LOGGING_LEVEL", "debug")
	t.Setenv("INDEX_PROVIDER", "qdrant")
	t.Setenv("MEMORY_OVERFETCH_MULTIPLIER", "50")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "qdrant", cfg.Index.Provider)
	assert.Equal(t, 50, cfg.Memory.OverfetchMultiplier)
	assert.Equal(t, "test-key", cfg.Model.APIKey.Value())
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("MODEL_API_KEY", "test-key")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  http_port: 7070
  shutdown_timeout: 5s
memory:
  relevance_k: 8
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 8, cfg.Memory.RelevanceK)
	// Untouched sections still get defaults.
	assert.Equal(t, 20, cfg.Memory.RecencyWindow)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("MODEL_API_KEY", "test-key")
	t.Setenv("SERVER_HTTP_PORT", "6060")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 7070\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(cfg *Config) { cfg.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "bad logging level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "verbose" },
			wantErr: "invalid logging level",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(cfg *Config) { cfg.Auth.JWTSecret = "" },
			wantErr: "auth.jwt_secret is required",
		},
		{
			name:    "missing model key",
			mutate:  func(cfg *Config) { cfg.Model.APIKey = "" },
			wantErr: "model.api_key is required",
		},
		{
			name:    "unknown index provider",
			mutate:  func(cfg *Config) { cfg.Index.Provider = "pinecone" },
			wantErr: "invalid index provider",
		},
		{
			name:    "zero dimensions",
			mutate:  func(cfg *Config) { cfg.Embeddings.Dimensions = -1 },
			wantErr: "invalid embedding dimensions",
		},
		{
			name:    "zero overfetch",
			mutate:  func(cfg *Config) { cfg.Memory.OverfetchMultiplier = -2 },
			wantErr: "invalid memory overfetch_multiplier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "super-secret", s.Value())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("not a duration")))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/data/recalld.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "recalld.db"), got)

	got, err = ExpandPath("/var/lib/recalld.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/recalld.db", got)
}
