package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"auditkb/internal/matcher"
	"auditkb/internal/report"
	"auditkb/internal/review"
)

// verifyCmd re-runs the adjudicator loop on a saved batch artifact.
var verifyCmd = &cobra.Command{
	Use:   "verify [artifact.json]",
	Short: "Run the adjudicator verification loop on a saved batch artifact",
	Long: `Loads a batch artifact (typically produced with --skip-verify or one
that previously failed verification) and runs the adjudicator loop on
it. The artifact is rewritten in place with the review history.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	batch, err := matcher.LoadBatchResult(args[0])
	if err != nil {
		return err
	}

	adjudicator, err := buildAdjudicator(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	verifier := review.NewVerifier(adjudicator, cfg.LLM.MaxRounds)
	batch = verifier.IterativeVerify(ctx, batch)

	if err := batch.Save(args[0]); err != nil {
		return err
	}

	if err := report.WriteBatchSummary(os.Stdout, batch); err != nil {
		return err
	}
	if !batch.Verified {
		fmt.Println("Verification did not converge; the batch needs human review.")
	}
	return nil
}
