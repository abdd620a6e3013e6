package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"auditkb/internal/catalog"
	"auditkb/internal/config"
	"auditkb/internal/embedding"
	"auditkb/internal/logging"
	"auditkb/internal/pipeline"
	"auditkb/internal/review"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "auditkb",
	Short: "auditkb - audit checklist reconciliation against a knowledge base",
	Long: `auditkb reconciles incoming audit checklists against an accumulated
item catalogue.

Each checklist row is embedded and classified against the catalogue:
confident matches become reuse suggestions, novel rows become create
suggestions, and ambiguous rows are parked for review. An LLM
adjudicator then verifies the whole batch in a bounded loop before
anything is written to the catalogue.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ws := resolveWorkspace()

		// Initialize logger
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(ws); err != nil {
			logger.Warn("categorized logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	ws, err := os.Getwd()
	if err != nil {
		return "."
	}
	return ws
}

// loadConfig reads the workspace config, with env overrides applied.
func loadConfig() (*config.Config, error) {
	return config.Load(config.DefaultPath(resolveWorkspace()))
}

// buildProvider constructs the embedding provider from config.
func buildProvider(cfg *config.Config) (embedding.Provider, error) {
	return embedding.NewProvider(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
}

// buildAdjudicator constructs the verification adjudicator from config.
func buildAdjudicator(cfg *config.Config) (review.Adjudicator, error) {
	switch cfg.LLM.Provider {
	case "mock":
		return &review.MockAdjudicator{}, nil
	case "gemini":
		return review.NewGeminiAdjudicator(review.GeminiConfig{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: cfg.GetLLMTimeout(),
		})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (use 'gemini' or 'mock')", cfg.LLM.Provider)
	}
}

// buildPipeline assembles the full stack. The caller owns the store.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, *catalog.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, err
	}

	adjudicator, err := buildAdjudicator(cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := catalog.NewStore(databasePath(cfg))
	if err != nil {
		return nil, nil, err
	}

	return pipeline.New(cfg, store, provider, adjudicator), store, nil
}

// databasePath resolves the catalogue path relative to the workspace.
func databasePath(cfg *config.Config) string {
	path := cfg.Store.DatabasePath
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(resolveWorkspace(), path)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(kbCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
