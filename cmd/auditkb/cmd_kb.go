package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"auditkb/internal/catalog"
	"auditkb/internal/report"
)

// kbCmd groups catalogue inspection and maintenance.
var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Catalogue operations (stats, export, backfill)",
}

var kbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalogue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Statistics()
		if err != nil {
			return err
		}
		return report.WriteCatalogStats(os.Stdout, stats)
	},
}

var kbExportCmd = &cobra.Command{
	Use:   "export [file.csv]",
	Short: "Export the item catalogue as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.ListItems()
		if err != nil {
			return err
		}

		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer f.Close()

		if err := report.ExportCatalogCSV(f, items); err != nil {
			return err
		}
		fmt.Printf("Exported %d items to %s\n", len(items), args[0])
		return nil
	},
}

var kbBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed and cache title vectors for items missing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		provider, err := buildProvider(cfg)
		if err != nil {
			return err
		}

		store, err := catalog.NewStore(databasePath(cfg))
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		n, err := store.BackfillTitleVectors(ctx, provider)
		if err != nil {
			return err
		}
		fmt.Printf("Backfilled %d title vectors\n", n)
		return nil
	},
}

func openStore() (*catalog.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return catalog.NewStore(databasePath(cfg))
}

func init() {
	kbCmd.AddCommand(kbStatsCmd)
	kbCmd.AddCommand(kbExportCmd)
	kbCmd.AddCommand(kbBackfillCmd)
}
