package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"auditkb/internal/catalog"
)

var applyForce bool

// applyCmd persists a verified batch artifact into the catalogue.
var applyCmd = &cobra.Command{
	Use:   "apply [artifact.json]",
	Short: "Write a verified batch artifact into the catalogue",
	Long: `Applies the decisions in a batch artifact: create suggestions become
new catalogue items, reuse suggestions record provenance on the matched
item and may append a new action text. Unresolved pending candidates
are skipped.

Unverified artifacts are rejected unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyForce, "force", false, "Apply even if the batch is unverified")
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, store, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	stats, err := p.Apply(ctx, args[0], applyForce)
	if err == catalog.ErrUnverifiedBatch {
		return fmt.Errorf("%s is unverified; run 'auditkb verify' first or pass --force", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Printf("Applied %s:\n", args[0])
	fmt.Printf("  Created items:    %d\n", stats.CreatedItems)
	fmt.Printf("  Reused items:     %d\n", stats.ReusedItems)
	fmt.Printf("  Added procedures: %d\n", stats.AddedProcedures)
	if stats.SkippedPending > 0 {
		fmt.Printf("  Skipped pending:  %d (still need decisions)\n", stats.SkippedPending)
	}
	fmt.Printf("  Import batch:     %s\n", stats.ImportBatch)
	return nil
}
