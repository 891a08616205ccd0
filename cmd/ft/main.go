package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/telemetry"
)

var (
	dbPath      string
	jsonOutput  bool
	verboseFlag bool // Enable verbose/debug output
	quietFlag   bool // Suppress non-essential output
	noPager     bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc

	// current is the application opened for this command, nil for commands
	// that do not touch the database.
	current *app
)

// noDbCommands lists commands that run without opening the database.
var noDbCommands = map[string]bool{
	"init":       true,
	"version":    true,
	"help":       true,
	"completion": true,
	"config":     true,
}

func needsDatabase(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if noDbCommands[c.Name()] {
			return false
		}
	}
	return cmd.Parent() != nil
}

func init() {
	// Initialize viper configuration
	if err := config.Initialize(); err != nil {
		WarnError("failed to initialize config: %v", err)
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database directory (default: .fuzztriage/dolt)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().BoolVar(&noPager, "no-pager", false, "Print long output directly instead of through the pager")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")

	rootCmd.AddGroup(&cobra.Group{ID: "buckets", Title: "Buckets & Crashes:"})
	rootCmd.AddGroup(&cobra.Group{ID: "triage", Title: "Triage & Signatures:"})
	rootCmd.AddGroup(&cobra.Group{ID: "setup", Title: "Setup & Configuration:"})
}

var rootCmd = &cobra.Command{
	Use:   "ft",
	Short: "ft - crash bucketing and triage",
	Long:  `Collects crashes from fuzzers, groups them into signature buckets and keeps bucket membership consistent as signatures change.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("ft version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupSignalContext()
		applyVerbosityFlags()
		if err := telemetry.Init(rootCtx, "ft", Version); err != nil {
			WarnError("telemetry disabled: %v", err)
		}

		if !needsDatabase(cmd) {
			return
		}

		a, err := openApp(rootCtx)
		if err != nil {
			FatalErrorWithHint(err.Error(), "Run 'ft init' to create a workspace, or pass --db")
		}
		current = a
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current != nil {
			if err := current.Close(); err != nil {
				WarnError("failed to close database: %v", err)
			}
			current = nil
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		telemetry.Shutdown(shutdownCtx)
		cancel()

		if rootCancel != nil {
			rootCancel()
		}
	},
}

func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// applyVerbosityFlags propagates --verbose and --quiet flags to the debug
// package so all subsequent log output respects the user's preference.
func applyVerbosityFlags() {
	debug.SetVerbose(verboseFlag)
	debug.SetQuiet(quietFlag)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
