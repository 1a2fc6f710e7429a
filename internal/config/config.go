// Package config provides configuration loading for recalld.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Each section has defaults applied before validation, so a
// minimal config file (or none at all, with AUTH_JWT_SECRET and
// MODEL_API_KEY in the environment) is enough to start the daemon.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete recalld configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Auth          AuthConfig          `koanf:"auth"`
	Storage       StorageConfig       `koanf:"storage"`
	Index         IndexConfig         `koanf:"index"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Model         ModelConfig         `koanf:"model"`
	Memory        MemoryConfig        `koanf:"memory"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, console
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
}

// AuthConfig holds JWT verification configuration.
type AuthConfig struct {
	JWTSecret Secret `koanf:"jwt_secret"`
}

// StorageConfig holds the SQLite database location.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// IndexConfig selects and configures the vector index backend.
type IndexConfig struct {
	Provider string        `koanf:"provider"` // chromem, qdrant
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds embedded chromem-go index configuration.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// QdrantConfig holds external Qdrant index configuration.
type QdrantConfig struct {
	Host       string   `koanf:"host"`
	Port       int      `koanf:"port"`
	APIKey     Secret   `koanf:"api_key"`
	UseTLS     bool     `koanf:"use_tls"`
	Collection string   `koanf:"collection"`
	Timeout    Duration `koanf:"timeout"`
}

// EmbeddingsConfig holds the external embedding provider configuration.
type EmbeddingsConfig struct {
	BaseURL    string   `koanf:"base_url"`
	Model      string   `koanf:"model"`
	Dimensions int      `koanf:"dimensions"`
	Timeout    Duration `koanf:"timeout"`
}

// ModelConfig holds the chat model client configuration.
type ModelConfig struct {
	APIKey    Secret   `koanf:"api_key"`
	BaseURL   string   `koanf:"base_url"`
	Name      string   `koanf:"name"`
	MaxTokens int      `koanf:"max_tokens"`
	Timeout   Duration `koanf:"timeout"`
}

// MemoryConfig tunes retrieval behavior.
type MemoryConfig struct {
	// RecencyWindow is how many recent exchanges of the active thread are
	// replayed as conversation history.
	RecencyWindow int `koanf:"recency_window"`
	// RelevanceK is how many semantically similar exchanges are folded
	// into the augmented prompt.
	RelevanceK int `koanf:"relevance_k"`
	// OverfetchMultiplier controls how many candidates are pulled from the
	// metadata-blind index per requested result before owner filtering.
	// Higher values improve recall for owners with little data at the cost
	// of larger index reads.
	OverfetchMultiplier int `koanf:"overfetch_multiplier"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "recalld"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "~/.config/recalld/recalld.db"
	}

	// chromem is the default index: embedded, no external deps.
	if cfg.Index.Provider == "" {
		cfg.Index.Provider = "chromem"
	}
	if cfg.Index.Chromem.Path == "" {
		cfg.Index.Chromem.Path = "~/.config/recalld/index"
	}
	if cfg.Index.Chromem.Collection == "" {
		cfg.Index.Chromem.Collection = "exchanges"
	}
	if cfg.Index.Qdrant.Host == "" {
		cfg.Index.Qdrant.Host = "localhost"
	}
	if cfg.Index.Qdrant.Port == 0 {
		cfg.Index.Qdrant.Port = 6334
	}
	if cfg.Index.Qdrant.Collection == "" {
		cfg.Index.Qdrant.Collection = "exchanges"
	}
	if cfg.Index.Qdrant.Timeout == 0 {
		cfg.Index.Qdrant.Timeout = Duration(30 * time.Second)
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8081"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-004"
	}
	if cfg.Embeddings.Dimensions == 0 {
		cfg.Embeddings.Dimensions = 768
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(15 * time.Second)
	}

	if cfg.Model.Name == "" {
		cfg.Model.Name = "claude-sonnet-4-5"
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 2048
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = Duration(60 * time.Second)
	}

	if cfg.Memory.RecencyWindow == 0 {
		cfg.Memory.RecencyWindow = 20
	}
	if cfg.Memory.RelevanceK == 0 {
		cfg.Memory.RelevanceK = 5
	}
	if cfg.Memory.OverfetchMultiplier == 0 {
		cfg.Memory.OverfetchMultiplier = 20
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if !c.Auth.JWTSecret.IsSet() {
		return errors.New("auth.jwt_secret is required (AUTH_JWT_SECRET)")
	}

	switch c.Index.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("invalid index provider: %q (must be chromem or qdrant)", c.Index.Provider)
	}
	if c.Index.Provider == "qdrant" {
		if c.Index.Qdrant.Port < 1 || c.Index.Qdrant.Port > 65535 {
			return fmt.Errorf("invalid qdrant port: %d", c.Index.Qdrant.Port)
		}
	}

	if c.Embeddings.Dimensions < 1 {
		return fmt.Errorf("invalid embedding dimensions: %d", c.Embeddings.Dimensions)
	}

	if !c.Model.APIKey.IsSet() {
		return errors.New("model.api_key is required (MODEL_API_KEY)")
	}
	if c.Model.MaxTokens < 1 {
		return fmt.Errorf("invalid model max_tokens: %d", c.Model.MaxTokens)
	}

	if c.Memory.RecencyWindow < 0 {
		return fmt.Errorf("invalid memory recency_window: %d", c.Memory.RecencyWindow)
	}
	if c.Memory.RelevanceK < 1 {
		return fmt.Errorf("invalid memory relevance_k: %d", c.Memory.RelevanceK)
	}
	if c.Memory.OverfetchMultiplier < 1 {
		return fmt.Errorf("invalid memory overfetch_multiplier: %d", c.Memory.OverfetchMultiplier)
	}

	return nil
}
