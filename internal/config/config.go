// Package config loads and validates auditkb configuration.
// Configuration lives in .auditkb/config.yaml and can be overridden
// by environment variables for API keys and paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all auditkb configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Embedding provider configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// LLM adjudicator configuration
	LLM LLMConfig `yaml:"llm"`

	// Matching thresholds
	Matcher MatcherConfig `yaml:"matcher"`

	// Catalogue store
	Store StoreConfig `yaml:"store"`

	// Import file parsing
	Ingest IngestConfig `yaml:"ingest"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama, genai

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// LLMConfig configures the adjudicator client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, mock
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`

	// MaxRounds bounds the iterative verification loop.
	MaxRounds int `yaml:"max_rounds"`
}

// MatcherConfig configures similarity thresholds.
// Zero values fall back to the matcher package defaults.
type MatcherConfig struct {
	HighThreshold       float64 `yaml:"high_threshold"`
	MediumThreshold     float64 `yaml:"medium_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ProcedureThreshold  float64 `yaml:"procedure_threshold"`
	TopK                int     `yaml:"top_k"`
}

// StoreConfig configures the SQLite catalogue store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// IngestConfig configures import-file parsing.
type IngestConfig struct {
	// ProcedureField selects which column alias carries the action text.
	// The catalogue consumers historically used both "procedure" and
	// "audit_procedure"; this is configuration, not branching logic.
	ProcedureField string `yaml:"procedure_field"`

	// InboxDir is watched by the watch command for new import files.
	InboxDir string `yaml:"inbox_dir"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "auditkb",
		Version: "1.0",

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},

		LLM: LLMConfig{
			Provider:  "gemini",
			Model:     "gemini-2.5-flash",
			Timeout:   "120s",
			MaxRounds: 3,
		},

		Matcher: MatcherConfig{
			HighThreshold:       0.85,
			MediumThreshold:     0.60,
			ConfidenceThreshold: 0.90,
			ProcedureThreshold:  0.80,
			TopK:                3,
		},

		Store: StoreConfig{
			DatabasePath: "data/auditkb.db",
		},

		Ingest: IngestConfig{
			ProcedureField: "procedure",
			InboxDir:       "inbox",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the workspace-relative config file path.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".auditkb", "config.yaml")
}

// Load loads configuration from a YAML file.
// A missing file yields defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
	if key := os.Getenv("AUDITKB_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("AUDITKB_EMBEDDING_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if url := os.Getenv("OLLAMA_HOST"); url != "" {
		c.Embedding.OllamaEndpoint = url
	}
	if path := os.Getenv("AUDITKB_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// GetLLMTimeout returns the adjudicator timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// ValidLLMProviders lists supported adjudicator providers.
var ValidLLMProviders = []string{"gemini", "mock"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidLLMProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidLLMProviders)
	}

	if c.LLM.Provider == "gemini" && c.LLM.APIKey == "" {
		return fmt.Errorf("adjudicator API key not configured (set GEMINI_API_KEY or AUDITKB_LLM_API_KEY)")
	}

	if c.Matcher.MediumThreshold >= c.Matcher.HighThreshold {
		return fmt.Errorf("matcher medium threshold %.2f must be below high threshold %.2f",
			c.Matcher.MediumThreshold, c.Matcher.HighThreshold)
	}

	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store database path not configured")
	}

	return nil
}
