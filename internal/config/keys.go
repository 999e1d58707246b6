package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OPSRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "OPSRAG_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "openai.base_url", typ: kString, env: "OPSRAG_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "OPSRAG_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.model", typ: kString, env: "OPSRAG_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Model },
	},
	{
		key: "openai.dimensions", typ: kInt, env: "OPSRAG_OPENAI_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.OpenAI.Dimensions },
	},
	{
		key: "openai.embed_timeout", typ: kString, env: "OPSRAG_OPENAI_EMBED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OPSRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.ttl", typ: kString, env: "OPSRAG_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.max_entries", typ: kInt, env: "OPSRAG_CACHE_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxEntries },
	},
	{
		key: "cache.max_memory_mb", typ: kInt, env: "OPSRAG_CACHE_MAX_MEMORY_MB",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxMemoryMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxMemoryMB },
	},
	{
		key: "cache.cleanup_interval", typ: kString, env: "OPSRAG_CACHE_CLEANUP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.CleanupInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.CleanupInterval },
	},
	{
		key: "retrieval.default_limit", typ: kInt, env: "OPSRAG_RETRIEVAL_DEFAULT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.DefaultLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.DefaultLimit },
	},
	{
		key: "retrieval.use_chunks", typ: kBool, env: "OPSRAG_RETRIEVAL_USE_CHUNKS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.UseChunks = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.UseChunks },
	},
	{
		key: "retrieval.adaptive_threshold", typ: kBool, env: "OPSRAG_RETRIEVAL_ADAPTIVE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.AdaptiveThreshold = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.AdaptiveThreshold },
	},
	{
		key: "retrieval.reranking_enabled", typ: kBool, env: "OPSRAG_RETRIEVAL_RERANKING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankingEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankingEnabled },
	},
	{
		key: "retrieval.index_interval", typ: kString, env: "OPSRAG_RETRIEVAL_INDEX_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.IndexInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.IndexInterval },
	},
	{
		key: "log.level", typ: kString, env: "OPSRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
