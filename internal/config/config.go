package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is loaded once at
// startup and snapshotted into each run; nothing mutates it afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinIdleConns    int           `yaml:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ProvidersConfig selects the backend for each pipeline role. Selection
// is resolved into concrete provider instances once at run start and
// never re-dispatched per item.
type ProvidersConfig struct {
	InputClassifier  ProviderSelection `yaml:"input_classifier"`
	Generator        ProviderSelection `yaml:"generator"`
	OutputClassifier ProviderSelection `yaml:"output_classifier"`
	OpenAI           OpenAIConfig      `yaml:"openai"`
	Gemma            GemmaConfig       `yaml:"gemma"`
}

// ProviderSelection names one backend and model for a pipeline role.
// Backend "none" disables the role where the pipeline allows it.
type ProviderSelection struct {
	Backend string `yaml:"backend" json:"backend"` // openai, gemma, or none
	Model   string `yaml:"model" json:"model"`
}

func (s ProviderSelection) Enabled() bool {
	return s.Backend != "" && s.Backend != "none"
}

type OpenAIConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type GemmaConfig struct {
	BaseURL string `yaml:"base_url"`
}

type PipelineConfig struct {
	Workers          int           `yaml:"workers"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool    `yaml:"enabled"`
	Sample  float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second, // > provider timeout + overhead for synchronous requests
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MinIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Providers: ProvidersConfig{
			InputClassifier:  ProviderSelection{Backend: "gemma", Model: "google/gemma-2b-it"},
			Generator:        ProviderSelection{Backend: "openai", Model: "gpt-4o-mini"},
			OutputClassifier: ProviderSelection{Backend: "gemma", Model: "google/gemma-2b-it"},
			OpenAI: OpenAIConfig{
				BaseURL:   "https://api.openai.com/v1",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			Gemma: GemmaConfig{
				BaseURL: "http://localhost:8500",
			},
		},
		Pipeline: PipelineConfig{
			Workers:          4,
			ProviderTimeout:  60 * time.Second,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   200 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
	}
}

// Validate checks that the configuration is valid. A failure here is
// fatal at startup, before any prompt is processed.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if err := validateSelection("providers.input_classifier", c.Providers.InputClassifier, false); err != nil {
		return err
	}
	if err := validateSelection("providers.generator", c.Providers.Generator, true); err != nil {
		return err
	}
	if c.Providers.Generator.Backend == "gemma" {
		return fmt.Errorf("providers.generator.backend: gemma is a classifier-only server")
	}
	if err := validateSelection("providers.output_classifier", c.Providers.OutputClassifier, true); err != nil {
		return err
	}
	if c.Providers.OutputClassifier.Enabled() && !c.Providers.Generator.Enabled() {
		log.Warn().Msg("output classifier configured without a generator, output classification will never run")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.ProviderTimeout <= 0 {
		return fmt.Errorf("pipeline.provider_timeout must be positive")
	}
	if c.Pipeline.RetryMaxAttempts < 1 {
		return fmt.Errorf("pipeline.retry_max_attempts must be >= 1, got %d", c.Pipeline.RetryMaxAttempts)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

func validateSelection(field string, sel ProviderSelection, noneAllowed bool) error {
	switch sel.Backend {
	case "openai", "gemma":
		return nil
	case "none", "":
		if noneAllowed {
			return nil
		}
		return fmt.Errorf("%s.backend is required", field)
	default:
		choices := "openai or gemma"
		if noneAllowed {
			choices = "openai, gemma, or none"
		}
		return fmt.Errorf("%s.backend %q: must be %s", field, sel.Backend, choices)
	}
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
