// Package config loads the assistant configuration from YAML with
// environment overrides for secrets. Defaults are deployable as-is
// except for API keys, which only ever come from the environment or
// an explicit config file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remphq/opsassist/core/providers"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30m" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Providers ProvidersConfig `yaml:"providers"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Index     IndexConfig     `yaml:"index"`
	Engine    EngineConfig    `yaml:"engine"`
}

// ProvidersConfig holds the per-backend settings. Order fields set
// the fallback priority; an empty API key disables a backend.
type ProvidersConfig struct {
	Anthropic providers.AnthropicConfig `yaml:"anthropic"`
	OpenAI    providers.OpenAIConfig    `yaml:"openai"`
	Google    providers.GoogleConfig    `yaml:"google"`
}

// CacheConfig selects the cache backend and its TTLs.
type CacheConfig struct {
	// RedisURL switches the cache to Redis when set; empty keeps the
	// in-process backend.
	RedisURL string `yaml:"redis_url"`

	EmbeddingTTL Duration `yaml:"embedding_ttl"`
	QueryTTL     Duration `yaml:"query_ttl"`
	ResponseTTL  Duration `yaml:"response_ttl"`
}

// StoreConfig locates the relational store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// IndexConfig locates the hybrid search index.
type IndexConfig struct {
	// Path is the on-disk keyword index location; empty keeps the
	// index in memory.
	Path         string `yaml:"path"`
	DocCacheSize int    `yaml:"doc_cache_size"`
}

// EngineConfig holds the traversal budgets.
type EngineConfig struct {
	StageTimeout Duration `yaml:"stage_timeout"`
	CallTimeout  Duration `yaml:"call_timeout"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Anthropic: providers.DefaultAnthropicConfig(),
			OpenAI:    providers.DefaultOpenAIConfig(),
			Google:    providers.DefaultGoogleConfig(),
		},
		Cache: CacheConfig{
			EmbeddingTTL: Duration(10 * time.Minute),
			QueryTTL:     Duration(time.Hour),
			ResponseTTL:  Duration(5 * time.Minute),
		},
		Store: StoreConfig{Path: ".opsassist/assistant.db"},
		Index: IndexConfig{DocCacheSize: 4096},
		Engine: EngineConfig{
			StageTimeout: Duration(30 * time.Second),
			CallTimeout:  Duration(20 * time.Second),
			QueryTimeout: Duration(10 * time.Second),
		},
	}
}

// Load reads the config file at path, falling back to defaults when
// the path is empty or absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets the environment supply or override secrets and
// connection strings.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Providers.Google.APIKey = v
	}
	if v := os.Getenv("OPSASSIST_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("OPSASSIST_DB_PATH"); v != "" {
		c.Store.Path = v
	}
}

// Validate checks that at least one provider is usable.
func (c *Config) Validate() error {
	if c.Providers.Anthropic.APIKey == "" &&
		c.Providers.OpenAI.APIKey == "" &&
		c.Providers.Google.APIKey == "" {
		return fmt.Errorf("no provider configured: set at least one API key")
	}
	return nil
}
