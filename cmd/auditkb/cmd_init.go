package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"auditkb/internal/catalog"
	"auditkb/internal/config"
)

// initCmd sets up a workspace: config file, data dirs, empty catalogue.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize auditkb in the current workspace",
	Long: `Creates the .auditkb/ directory with a default config.yaml, the data
and inbox directories, and an empty catalogue database. Run once per
workspace; existing config is left untouched.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	cfgPath := config.DefaultPath(ws)

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	} else {
		cfg := config.DefaultConfig()
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default config: %s\n", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	inbox := cfg.Ingest.InboxDir
	if !filepath.IsAbs(inbox) {
		inbox = filepath.Join(ws, inbox)
	}
	if err := os.MkdirAll(inbox, 0755); err != nil {
		return err
	}

	store, err := catalog.NewStore(databasePath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Catalogue ready: %s\n", databasePath(cfg))
	fmt.Printf("Inbox directory: %s\n", inbox)
	fmt.Println("Set GEMINI_API_KEY (or llm.api_key) before running imports.")
	return nil
}
