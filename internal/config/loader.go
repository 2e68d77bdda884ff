package config

import (
	"fmt"
	"io"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1 << 20

// envKeys maps the documented environment variables to config paths.
// Variables not listed here are ignored by the loader.
var envKeys = map[string]string{
	"CONTENT_ROOT":              "content.root",
	"MAX_FILE_SIZE":             "content.max_file_size",
	"FFMPEG_PATH":               "content.ffmpeg_path",
	"VECTOR_DB_URL":             "qdrant.url",
	"QDRANT_API_KEY":            "qdrant.api_key",
	"QDRANT_USE_TLS":            "qdrant.use_tls",
	"QDRANT_COLLECTION":         "qdrant.collection",
	"FIX_DIMENSION_ON_MISMATCH": "qdrant.fix_dimension_on_mismatch",
	"EMBEDDING_BASE_URL":        "embedding.base_url",
	"EMBEDDING_PROVIDER_KEY":    "embedding.api_key",
	"EMBEDDING_MODEL":           "embedding.model",
	"EMBEDDING_DIMENSION":       "embedding.dimension",
	"JWT_SECRET":                "auth.jwt_secret",
	"DEFAULT_USER":              "auth.default_user",
	"DEFAULT_PASSWORD":          "auth.default_password",
	"TEXT_TO_TEXT_THRESHOLD":    "search.text_to_text_threshold",
	"TEXT_TO_IMAGE_THRESHOLD":   "search.text_to_image_threshold",
	"IMAGE_SEARCH_THRESHOLD":    "search.image_search_threshold",
	"WORKER_COUNT":              "pipeline.worker_count",
	"QUEUE_SIZE":                "pipeline.queue_size",
	"MAX_EMBEDDING_ATTEMPTS":    "pipeline.max_embedding_attempts",
	"SERVER_HOST":               "server.host",
	"SERVER_PORT":               "server.port",
	"REQUIRE_INDEX_ON_START":    "server.require_index_on_start",
	"LOG_LEVEL":                 "log.level",
	"LOG_FORMAT":                "log.format",
}

// Load reads configuration with the usual precedence: environment
// variables override the YAML file (if configPath is non-empty and the
// file exists), which overrides hardcoded defaults.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("opening config file: %w", err)
			}
			defer f.Close()

			content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
			if err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
			if len(content) > maxConfigFileSize {
				return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
			}
		}
	}

	// Environment overrides. The transformer returns "" for variables we
	// do not recognize, which makes koanf drop them.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
