package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"auditkb/internal/matcher"
	"auditkb/internal/report"
)

var reportCSVPath string

// reportCmd renders a saved batch artifact.
var reportCmd = &cobra.Command{
	Use:   "report [artifact.json]",
	Short: "Summarize a batch artifact, optionally exporting it as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, err := matcher.LoadBatchResult(args[0])
		if err != nil {
			return err
		}

		if err := report.WriteBatchSummary(os.Stdout, batch); err != nil {
			return err
		}

		if reportCSVPath == "" {
			return nil
		}
		f, err := os.Create(reportCSVPath)
		if err != nil {
			return fmt.Errorf("failed to create csv file: %w", err)
		}
		defer f.Close()
		if err := report.ExportBatchCSV(f, batch); err != nil {
			return err
		}
		fmt.Printf("Decisions exported to %s\n", reportCSVPath)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportCSVPath, "csv", "", "Also export every decision to this CSV file")
}
