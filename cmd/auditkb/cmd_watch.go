package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"auditkb/internal/pipeline"
	"auditkb/internal/report"
)

var watchOutputDir string

// watchCmd monitors the inbox directory and processes dropped checklists.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the inbox directory and process new checklist files",
	Long: `Watches the configured inbox directory (ingest.inbox_dir) and runs
every new or rewritten CSV through match and verify. Batch artifacts
are written as files arrive; runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputDir, "output", "o", "", "Directory for batch artifacts (default: alongside inbox files)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, store, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	inbox := cfg.Ingest.InboxDir
	if !filepath.IsAbs(inbox) {
		inbox = filepath.Join(resolveWorkspace(), inbox)
	}

	w, err := pipeline.NewWatcher(p, inbox, pipeline.Options{OutputDir: watchOutputDir})
	if err != nil {
		return err
	}
	w.OnResult = func(path string, out *pipeline.Outcome, err error) {
		if err != nil {
			logger.Error("failed to process inbox file", zap.String("path", path), zap.Error(err))
			fmt.Fprintf(os.Stderr, "error processing %s: %v\n", path, err)
			return
		}
		fmt.Println()
		_ = report.WriteBatchSummary(os.Stdout, out.Batch)
		fmt.Printf("  Artifact: %s\n", out.ArtifactPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Watching %s for checklist files (ctrl-c to stop)\n", inbox)

	<-ctx.Done()
	w.Stop()
	return nil
}
