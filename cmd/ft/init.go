package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/storage/factory"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create a .fuzztriage workspace in the current directory",
	Long: `Create a .fuzztriage workspace: config.yaml, a hooks/ directory and,
for the embedded backend, the Dolt database.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		backend, _ := cmd.Flags().GetString("backend")
		switch backend {
		case config.BackendEmbedded, config.BackendServer:
		default:
			FatalError("--backend must be %s or %s", config.BackendEmbedded, config.BackendServer)
		}

		cwd, err := os.Getwd()
		if err != nil {
			FatalError("%v", err)
		}
		wsDir := filepath.Join(cwd, config.WorkspaceDirName)
		if err := os.MkdirAll(filepath.Join(wsDir, "hooks"), 0o750); err != nil {
			FatalError("failed to create workspace: %v", err)
		}
		cfgPath := filepath.Join(wsDir, "config.yaml")
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if err := config.WriteFile(cfgPath, config.DefaultFile(backend)); err != nil {
				FatalError("%v", err)
			}
		} else {
			debug.PrintNormal("%s already exists, keeping it\n", cfgPath)
		}

		// Reload so the new file (and FT_* overrides) take effect.
		if err := config.Initialize(); err != nil {
			FatalError("%v", err)
		}
		settings, err := config.Database(wsDir)
		if err != nil {
			FatalError("%v", err)
		}
		if dbPath != "" {
			settings.Path = dbPath
		}
		store, err := factory.Open(rootCtx, settings)
		if err != nil {
			FatalError("failed to create database: %v", err)
		}
		if err := store.Close(); err != nil {
			WarnError("failed to close database: %v", err)
		}
		debug.LogEvent("INIT", wsDir, "backend="+backend)

		if jsonOutput {
			outputJSON(map[string]string{"workspace": wsDir, "backend": backend, "config": cfgPath})
			return
		}
		fmt.Printf("%s Initialized %s (%s backend)\n", ui.Icon(ui.IconPass), wsDir, backend)
		debug.PrintNormal("  config: %s\n  hooks:  %s\n", cfgPath, filepath.Join(wsDir, "hooks"))
	},
}

func init() {
	initCmd.Flags().String("backend", config.BackendEmbedded, "Database backend (embedded|server)")
	rootCmd.AddCommand(initCmd)
}
