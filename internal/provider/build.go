package provider

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"safety-monitor/internal/config"
)

// Set is the frozen provider selection for one run: resolved once from
// configuration, then read-only for the run's lifetime. Generator and
// Output are nil when the corresponding stage is disabled.
type Set struct {
	Input     Classifier
	Generator Generator
	Output    Classifier
}

// ModelTag summarizes the selection for the run's config snapshot,
// e.g. "input:gemma:google/gemma-2b-it,answer:openai:gpt-4o-mini".
func (s *Set) ModelTag() string {
	tag := "input:" + s.Input.Name()
	if s.Generator != nil {
		tag += ",answer:" + s.Generator.Name()
	}
	if s.Output != nil {
		tag += ",output:" + s.Output.Name()
	}
	return tag
}

// Build resolves the configured provider selection into concrete
// instances, each wrapped with the bounded retry policy. A selection
// that cannot be resolved aborts before any item is processed.
func Build(cfg *config.Config) (*Set, error) {
	retry := RetryPolicy{
		MaxAttempts: cfg.Pipeline.RetryMaxAttempts,
		BaseDelay:   cfg.Pipeline.RetryBaseDelay,
	}

	var openaiClient *OpenAIClient
	needsOpenAI := cfg.Providers.InputClassifier.Backend == "openai" ||
		cfg.Providers.Generator.Backend == "openai" ||
		cfg.Providers.OutputClassifier.Backend == "openai"
	if needsOpenAI {
		keyEnv := cfg.Providers.OpenAI.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		apiKey := os.Getenv(keyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("openai backend selected but %s is not set", keyEnv)
		}
		openaiClient = NewOpenAIClient(cfg.Providers.OpenAI.BaseURL, apiKey, cfg.Pipeline.ProviderTimeout)
	}

	set := &Set{}

	input, err := buildClassifier(cfg, openaiClient, cfg.Providers.InputClassifier)
	if err != nil {
		return nil, fmt.Errorf("input classifier: %w", err)
	}
	set.Input = WithRetry(input, retry)

	if cfg.Providers.Generator.Enabled() {
		gen := NewOpenAIChatGenerator(openaiClient, cfg.Providers.Generator.Model)
		set.Generator = WithRetryGenerator(gen, retry)
	}

	if cfg.Providers.OutputClassifier.Enabled() {
		output, err := buildClassifier(cfg, openaiClient, cfg.Providers.OutputClassifier)
		if err != nil {
			return nil, fmt.Errorf("output classifier: %w", err)
		}
		set.Output = WithRetry(output, retry)
	}

	log.Info().
		Str("input", set.Input.Name()).
		Bool("generation", set.Generator != nil).
		Bool("output_classification", set.Output != nil).
		Msg("providers resolved")

	return set, nil
}

func buildClassifier(cfg *config.Config, openaiClient *OpenAIClient, sel config.ProviderSelection) (Classifier, error) {
	switch sel.Backend {
	case "openai":
		return NewOpenAIModerationClassifier(openaiClient, sel.Model), nil
	case "gemma":
		return NewGemmaClassifier(cfg.Providers.Gemma.BaseURL, sel.Model, cfg.Pipeline.ProviderTimeout), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", sel.Backend)
	}
}
