// Package config provides configuration loading for kindred.
package config

import (
	"fmt"
	"net"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Content   ContentConfig   `koanf:"content"`
	Auth      AuthConfig      `koanf:"auth"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Qdrant    QdrantConfig    `koanf:"qdrant"`
	Search    SearchConfig    `koanf:"search"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig configures the HTTP listener and lifecycle.
type ServerConfig struct {
	Host                string        `koanf:"host"`
	Port                int           `koanf:"port"`
	ShutdownTimeout     time.Duration `koanf:"shutdown_timeout"`
	RequireIndexOnStart bool          `koanf:"require_index_on_start"`
}

// ContentConfig configures the on-disk content store.
type ContentConfig struct {
	Root          string `koanf:"root"`
	MaxFileSize   int64  `koanf:"max_file_size"`
	ThumbnailSize int    `koanf:"thumbnail_size"`
	FFmpegPath    string `koanf:"ffmpeg_path"`
}

// AuthConfig configures the single-account credential and token signing.
type AuthConfig struct {
	JWTSecret       string        `koanf:"jwt_secret"`
	DefaultUser     string        `koanf:"default_user"`
	DefaultPassword string        `koanf:"default_password"`
	TokenTTL        time.Duration `koanf:"token_ttl"`
}

// EmbeddingConfig configures the remote multimodal embedding provider.
type EmbeddingConfig struct {
	BaseURL         string        `koanf:"base_url"`
	APIKey          string        `koanf:"api_key"`
	Model           string        `koanf:"model"`
	Dimension       int           `koanf:"dimension"`
	TextRatePerSec  float64       `koanf:"text_rate_per_sec"`
	ImageRatePerSec float64       `koanf:"image_rate_per_sec"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
	MaxRetries      int           `koanf:"max_retries"`
}

// QdrantConfig configures the vector index connection.
type QdrantConfig struct {
	// URL is host:port for the Qdrant gRPC endpoint.
	URL                    string `koanf:"url"`
	APIKey                 string `koanf:"api_key"`
	UseTLS                 bool   `koanf:"use_tls"`
	Collection             string `koanf:"collection"`
	FixDimensionOnMismatch bool   `koanf:"fix_dimension_on_mismatch"`
}

// HostPort splits the configured URL into host and port.
func (c QdrantConfig) HostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.URL)
	if err != nil {
		return "", 0, fmt.Errorf("vector db url %q is not host:port: %w", c.URL, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("vector db url %q has invalid port", c.URL)
	}
	return host, port, nil
}

// SearchConfig holds the operator-tuned score thresholds.
type SearchConfig struct {
	TextToTextThreshold  float32 `koanf:"text_to_text_threshold"`
	TextToImageThreshold float32 `koanf:"text_to_image_threshold"`
	ImageSearchThreshold float32 `koanf:"image_search_threshold"`
	DefaultLimit         int     `koanf:"default_limit"`
}

// PipelineConfig configures the ingestion worker pool.
type PipelineConfig struct {
	WorkerCount          int           `koanf:"worker_count"`
	QueueSize            int           `koanf:"queue_size"`
	MaxEmbeddingAttempts int           `koanf:"max_embedding_attempts"`
	RetryBackoff         time.Duration `koanf:"retry_backoff"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Content.Root == "" {
		c.Content.Root = "./data"
	}
	if c.Content.MaxFileSize == 0 {
		c.Content.MaxFileSize = 500 << 20 // 500 MiB
	}
	if c.Content.ThumbnailSize == 0 {
		c.Content.ThumbnailSize = 300
	}
	if c.Content.FFmpegPath == "" {
		c.Content.FFmpegPath = "ffmpeg"
	}

	if c.Auth.DefaultUser == "" {
		c.Auth.DefaultUser = "family"
	}
	if c.Auth.DefaultPassword == "" {
		c.Auth.DefaultPassword = "123456"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 7 * 24 * time.Hour
	}

	if c.Embedding.Model == "" {
		c.Embedding.Model = "multimodal-embedding-v1"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 1024
	}
	if c.Embedding.TextRatePerSec == 0 {
		c.Embedding.TextRatePerSec = 10
	}
	if c.Embedding.ImageRatePerSec == 0 {
		c.Embedding.ImageRatePerSec = 5
	}
	if c.Embedding.CallTimeout == 0 {
		c.Embedding.CallTimeout = 30 * time.Second
	}
	if c.Embedding.MaxRetries == 0 {
		c.Embedding.MaxRetries = 3
	}

	if c.Qdrant.URL == "" {
		c.Qdrant.URL = "localhost:6334"
	}
	if c.Qdrant.Collection == "" {
		c.Qdrant.Collection = "media_embeddings"
	}

	if c.Search.TextToTextThreshold == 0 {
		c.Search.TextToTextThreshold = 0.8
	}
	if c.Search.TextToImageThreshold == 0 {
		c.Search.TextToImageThreshold = 0.2
	}
	if c.Search.ImageSearchThreshold == 0 {
		c.Search.ImageSearchThreshold = 0.5
	}
	if c.Search.DefaultLimit == 0 {
		c.Search.DefaultLimit = 20
	}

	if c.Pipeline.WorkerCount == 0 {
		c.Pipeline.WorkerCount = 4
	}
	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = 1024
	}
	if c.Pipeline.MaxEmbeddingAttempts == 0 {
		c.Pipeline.MaxEmbeddingAttempts = 5
	}
	if c.Pipeline.RetryBackoff == 0 {
		c.Pipeline.RetryBackoff = 2 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Content.Root == "" {
		return fmt.Errorf("content root is required")
	}
	if c.Content.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required (set JWT_SECRET)")
	}
	if c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding base url is required (set EMBEDDING_BASE_URL)")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.Embedding.TextRatePerSec <= 0 || c.Embedding.ImageRatePerSec <= 0 {
		return fmt.Errorf("embedding rate limits must be positive")
	}
	if _, _, err := c.Qdrant.HostPort(); err != nil {
		return err
	}
	for name, v := range map[string]float32{
		"text_to_text_threshold":  c.Search.TextToTextThreshold,
		"text_to_image_threshold": c.Search.TextToImageThreshold,
		"image_search_threshold":  c.Search.ImageSearchThreshold,
	} {
		if v < -1 || v > 1 {
			return fmt.Errorf("%s %v outside cosine range [-1,1]", name, v)
		}
	}
	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Pipeline.MaxEmbeddingAttempts <= 0 {
		return fmt.Errorf("max embedding attempts must be positive")
	}
	return nil
}
