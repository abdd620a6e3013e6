package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"auditkb/internal/pipeline"
	"auditkb/internal/report"
)

var (
	importSkipVerify bool
	importApply      bool
	importOffline    bool
	importOutputDir  string
)

// importCmd runs checklist files through match and verify.
var importCmd = &cobra.Command{
	Use:   "import [files...]",
	Short: "Match checklist files against the catalogue and verify the results",
	Long: `Parses each checklist CSV, classifies every row against the catalogue,
runs the adjudicator verification loop, and writes a batch artifact
per file.

With --apply, verified batches are written into the catalogue
immediately; unverified batches are left as artifacts for review.

Examples:
  auditkb import inspection-2026.csv
  auditkb import --apply q1.csv q2.csv
  auditkb import --skip-verify --output results/ draft.csv`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importSkipVerify, "skip-verify", false, "Skip the adjudicator verification loop")
	importCmd.Flags().BoolVar(&importApply, "apply", false, "Apply verified batches to the catalogue")
	importCmd.Flags().BoolVar(&importOffline, "offline", false, "Use the offline adjudicator (confirms every batch)")
	importCmd.Flags().StringVarP(&importOutputDir, "output", "o", "", "Directory for batch artifacts (default: next to each input)")
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if importOffline {
		cfg.LLM.Provider = "mock"
	}

	p, store, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	opts := pipeline.Options{SkipVerify: importSkipVerify, OutputDir: importOutputDir}

	logger.Info("importing checklists",
		zap.Int("files", len(args)),
		zap.Bool("skip_verify", importSkipVerify))

	outcomes, err := p.ProcessFiles(ctx, args, opts)
	if err != nil {
		return err
	}

	for _, out := range outcomes {
		fmt.Println()
		if err := report.WriteBatchSummary(os.Stdout, out.Batch); err != nil {
			return err
		}
		fmt.Printf("  Artifact: %s\n", out.ArtifactPath)

		if !importApply {
			continue
		}
		if !out.Batch.Verified {
			fmt.Printf("  Not applied: batch is unverified\n")
			continue
		}
		stats, err := p.Apply(ctx, out.ArtifactPath, false)
		if err != nil {
			return fmt.Errorf("apply failed for %s: %w", out.Batch.SourceFile, err)
		}
		fmt.Printf("  Applied: %d created, %d reused, %d procedures added\n",
			stats.CreatedItems, stats.ReusedItems, stats.AddedProcedures)
	}
	return nil
}
