// Package config loads the daemon configuration from YAML with environment
// overrides for deployment-specific values and secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig configures one model provider in fallback order.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"baseUrl,omitempty"`
	APIKey  string `yaml:"apiKey,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

// SelectorConfig tunes circuit breaking.
type SelectorConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// RateLimitConfig tunes the per-IP token bucket.
type RateLimitConfig struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refillPerSec"`
}

// SessionConfig tunes session lifetime.
type SessionConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweepInterval"`
}

// GenerationConfig tunes the generation pipeline.
type GenerationConfig struct {
	Model                string   `yaml:"model"`
	SystemPrompt         string   `yaml:"systemPrompt,omitempty"`
	MaxTokens            int      `yaml:"maxTokens"`
	Temperature          float64  `yaml:"temperature"`
	StallTimeout         Duration `yaml:"stallTimeout"`
	DuplicateSuppression *bool    `yaml:"duplicateSuppression,omitempty"`
}

// RetrievalConfig tunes generation context retrieval. CorpusDir is indexed at
// startup into the in-memory store; EmbedModel names the embedding model on
// the local runtime.
type RetrievalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TopK       int    `yaml:"topK"`
	CorpusDir  string `yaml:"corpusDir,omitempty"`
	EmbedModel string `yaml:"embedModel,omitempty"`
}

// ObservabilityConfig tunes tracing and metrics export.
type ObservabilityConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure"`
	Environment string  `yaml:"environment,omitempty"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Config is the full daemon configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	Providers     []ProviderConfig    `yaml:"providers"`
	Selector      SelectorConfig      `yaml:"selector"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Session       SessionConfig       `yaml:"session"`
	Generation    GenerationConfig    `yaml:"generation"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Providers: []ProviderConfig{
			{Name: "ollama"},
		},
		Selector: SelectorConfig{
			FailureThreshold: 3,
			Cooldown:         Duration(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Capacity:     20,
			RefillPerSec: 5,
		},
		Session: SessionConfig{
			TTL:           Duration(time.Hour),
			SweepInterval: Duration(30 * time.Second),
		},
		Generation: GenerationConfig{
			Model:        "llama3.1",
			MaxTokens:    1024,
			StallTimeout: Duration(30 * time.Second),
		},
		Retrieval: RetrievalConfig{
			TopK:       5,
			EmbedModel: "nomic-embed-text",
		},
		Observability: ObservabilityConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result. An empty path loads defaults plus
// overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOREWEAVE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("LOREWEAVE_OTLP_ENDPOINT"); v != "" {
		c.Observability.Endpoint = v
		if c.Observability.Exporter == "none" {
			c.Observability.Exporter = "otlp"
		}
	}
	for i := range c.Providers {
		if c.Providers[i].Name == "openai" && c.Providers[i].APIKey == "" {
			c.Providers[i].APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for _, p := range c.Providers {
		switch p.Name {
		case "ollama", "openai":
		default:
			return fmt.Errorf("unknown provider %q", p.Name)
		}
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate limit capacity must be positive")
	}
	if c.Session.TTL.Std() <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	return nil
}
