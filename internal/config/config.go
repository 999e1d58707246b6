package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	OpenAI    OpenAIConfig
	Storage   StorageConfig
	Cache     CacheConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Dimensions   int
	EmbedTimeout string // duration string, e.g. "3s"
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	TTL             string // duration string
	MaxEntries      int
	MaxMemoryMB     int
	CleanupInterval string // duration string
}

type RetrievalConfig struct {
	DefaultLimit      int
	UseChunks         bool
	AdaptiveThreshold bool
	RerankingEnabled  bool
	IndexInterval     string // duration string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		OpenAI: OpenAIConfig{
			BaseURL:      "https://api.openai.com",
			Model:        "text-embedding-3-small",
			Dimensions:   1536,
			EmbedTimeout: "3s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			TTL:             "30m",
			MaxEntries:      1000,
			MaxMemoryMB:     50,
			CleanupInterval: "5m",
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:      5,
			AdaptiveThreshold: true,
			RerankingEnabled:  true,
			IndexInterval:     "1m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.opsrag.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/opsrag/config.json.
//
// Environment variables (OPSRAG_*) override backend values on all platforms.
// The OpenAI API key is env-only and never stored in the backend.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

// LoadLenient is Load without required-value validation. CLI commands that
// only display config or talk to an already-running daemon use it so they
// work before the API key is set.
func LoadLenient() (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, newPlatformBackend()); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("missing required config: OpenAI API key. " +
			"Set it via environment variable OPSRAG_OPENAI_API_KEY")
	}

	durations := []struct{ key, val string }{
		{"openai.embed_timeout", cfg.OpenAI.EmbedTimeout},
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.cleanup_interval", cfg.Cache.CleanupInterval},
		{"retrieval.index_interval", cfg.Retrieval.IndexInterval},
	}
	for _, d := range durations {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
	}

	if cfg.OpenAI.Dimensions <= 0 {
		return fmt.Errorf("openai.dimensions must be positive, got %d", cfg.OpenAI.Dimensions)
	}

	return nil
}

// Duration parses a duration config value, returning fallback when the value
// does not parse.
func Duration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
