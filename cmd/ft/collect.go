package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/collector"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/lockfile"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

// collectLockName is created in the spool directory while a collector runs.
const collectLockName = ".ft-collect.lock"

var collectCmd = &cobra.Command{
	Use:     "collect <spool-dir>",
	GroupID: "triage",
	Short:   "Ingest crash submissions from a spool directory",
	Long: `Ingest every *.json submission in the spool directory, triage it and
rename the file with a .done or .failed suffix.

With --watch, keep running and ingest new files as they appear until
interrupted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		dir := args[0]
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			FatalError("%s is not a directory", dir)
		}
		lock, err := lockfile.Acquire(filepath.Join(dir, collectLockName), "ft collect")
		if err != nil {
			FatalErrorWithHint(err.Error(), "Another 'ft collect' is already processing this directory")
		}
		defer func() { _ = lock.Release() }()

		c := collector.New(current.svc, current.triager, current.log)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			debug.PrintNormal("Watching %s (Ctrl-C to stop)\n", dir)
			if err := c.Watch(ctx, dir); err != nil {
				FatalError("%v", err)
			}
			current.commit(ctx, "ft: collect "+dir)
			return
		}

		n, err := c.Drain(ctx, dir)
		if n > 0 {
			debug.LogEvent("COLLECT", dir, fmt.Sprintf("ingested=%d", n))
			current.commit(ctx, fmt.Sprintf("ft: collect %d crashes", n))
		}
		if err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"dir": dir, "ingested": n})
			return
		}
		fmt.Printf("%s Ingested %s crashes from %s\n", ui.Icon(ui.IconPass), count(n), dir)
	},
}

func init() {
	collectCmd.Flags().Bool("watch", false, "Keep watching the directory for new submissions")
	rootCmd.AddCommand(collectCmd)
}
