package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/snow-ghost/dispatch/core"
)

// Config is the on-disk registry format.
type Config struct {
	Providers []core.Provider `yaml:"providers"`
}

// Loader handles loading provider configurations
type Loader struct {
	configPath string
}

// NewLoader creates a new configuration loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Path returns the resolved config path: explicit path, then the
// DISPATCH_CONFIG environment variable, then "dispatch.yaml".
func (l *Loader) Path() string {
	if l.configPath != "" {
		return l.configPath
	}
	if p := os.Getenv("DISPATCH_CONFIG"); p != "" {
		return p
	}
	return "dispatch.yaml"
}

// Load builds a registry from the config file, or from the built-in
// defaults when no file exists.
func (l *Loader) Load() (*Registry, error) {
	providers, err := l.LoadProviders()
	if err != nil {
		return nil, err
	}
	return New(providers)
}

// LoadProviders reads the provider set from disk. A missing file yields the
// defaults; a present but broken file is an error, never a silent fallback.
func (l *Loader) LoadProviders() ([]core.Provider, error) {
	path := l.Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultProviders(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses a provider set from YAML.
func LoadFromBytes(data []byte) ([]core.Provider, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return cfg.Providers, nil
}

// Save writes the provider set to the config file.
func (l *Loader) Save(providers []core.Provider) error {
	path := l.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(Config{Providers: providers})
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultProviders returns the built-in provider set: a free local runtime
// plus three metered cloud endpoints spanning the tier table.
func DefaultProviders() []core.Provider {
	return []core.Provider{
		{
			ID:   "local-runtime",
			Kind: core.KindLocal,
			SupportedTaskTypes: []core.TaskType{
				core.TaskGenericGeneration, core.TaskCompletion,
				core.TaskClassification, core.TaskOther,
			},
			MaxContextTokens:  8192,
			Tier:              core.TierCheap,
			ExpectedLatencyMs: 800,
			Pricing:           core.Pricing{Currency: "USD"},
			BaseURL:           "http://localhost:11434/v1",
			Model:             "llama3.2",
		},
		{
			ID:   "cloud-fast",
			Kind: core.KindCloud,
			SupportedTaskTypes: []core.TaskType{
				core.TaskGenericGeneration, core.TaskCompletion, core.TaskOther,
			},
			MaxContextTokens:  128_000,
			Tier:              core.TierCheap,
			ExpectedLatencyMs: 600,
			Pricing:           core.Pricing{Currency: "USD", InputPer1K: 0.00015, OutputPer1K: 0.0006},
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			MaxRequests:       500,
			WindowMs:          60_000,
		},
		{
			ID:   "cloud-std",
			Kind: core.KindCloud,
			SupportedTaskTypes: []core.TaskType{
				core.TaskGenericGeneration, core.TaskUIGeneration,
				core.TaskCompletion, core.TaskOther,
			},
			MaxContextTokens:  128_000,
			Tier:              core.TierMid,
			ExpectedLatencyMs: 900,
			Pricing:           core.Pricing{Currency: "USD", InputPer1K: 0.005, OutputPer1K: 0.015},
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o",
			APIKeyEnv:         "OPENAI_API_KEY",
			MaxRequests:       300,
			WindowMs:          60_000,
		},
		{
			ID:   "cloud-premium",
			Kind: core.KindCloud,
			SupportedTaskTypes: []core.TaskType{
				core.TaskGenericGeneration, core.TaskUIGeneration,
				core.TaskCompletion, core.TaskOther,
			},
			MaxContextTokens:  200_000,
			Tier:              core.TierPremium,
			ExpectedLatencyMs: 1200,
			Pricing:           core.Pricing{Currency: "USD", InputPer1K: 0.003, OutputPer1K: 0.015},
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "anthropic/claude-3.5-sonnet",
			APIKeyEnv:         "OPENROUTER_API_KEY",
			MaxRequests:       200,
			WindowMs:          60_000,
		},
	}
}
