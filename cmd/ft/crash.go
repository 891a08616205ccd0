package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/collector"
	"github.com/fuzztriage/fuzztriage/internal/crashes"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/types"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

var crashCmd = &cobra.Command{
	Use:     "crash",
	GroupID: "triage",
	Short:   "Submit and inspect crash entries",
}

// submitFlags are the flag values for a submission built on the command line.
type submitFlags struct {
	tool, product, platform, os string
	stdoutFile, stderrFile      string
	crashDataFile, testCaseFile string
	quality                     int
	binary                      bool
	bucket                      int64
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - user supplied crash output
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// buildSubmission assembles a submission from flag values.
func buildSubmission(f submitFlags) (*crashes.Submission, error) {
	if f.tool == "" {
		return nil, fmt.Errorf("--tool is required")
	}
	sub := &crashes.Submission{Tool: f.tool, Product: f.product, Platform: f.platform, OS: f.os}
	var err error
	if sub.Stdout, err = readOptional(f.stdoutFile); err != nil {
		return nil, err
	}
	if sub.Stderr, err = readOptional(f.stderrFile); err != nil {
		return nil, err
	}
	if sub.CrashData, err = readOptional(f.crashDataFile); err != nil {
		return nil, err
	}
	if f.testCaseFile != "" {
		content, err := readOptional(f.testCaseFile)
		if err != nil {
			return nil, err
		}
		sub.TestCase = &types.TestCase{Content: content, Quality: f.quality, IsBinary: f.binary}
	}
	if f.bucket > 0 {
		id := f.bucket
		sub.BucketID = &id
	}
	return sub, nil
}

// decodeSubmission reads a JSON submission from path, or stdin for "-".
func decodeSubmission(path string) (*crashes.Submission, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path) // #nosec G304 - user supplied submission
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return collector.Decode(r)
}

// submitCrash ingests sub and, unless it names a bucket or triage is
// disabled, places it in the first matching bucket.
func submitCrash(ctx context.Context, a *app, sub *crashes.Submission, triage bool) (*types.CrashEntry, error) {
	entry, err := a.svc.Ingest(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !triage || entry.BucketID != nil {
		return entry, nil
	}
	bucketID, err := a.triager.Triage(ctx, entry.ID)
	if err != nil {
		return entry, fmt.Errorf("crash %d stored but triage failed: %w", entry.ID, err)
	}
	entry.BucketID = bucketID
	return entry, nil
}

var crashSubmitCmd = &cobra.Command{
	Use:   "submit [file|-]",
	Short: "Submit a crash",
	Long: `Submit a crash either as a JSON submission (file or '-' for stdin, same
format as the collector spool) or from --tool and the output file flags.
The crash is triaged into the first matching bucket unless --bucket or
--no-triage is given.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		var sub *crashes.Submission
		var err error
		if len(args) == 1 {
			sub, err = decodeSubmission(args[0])
		} else {
			f := submitFlags{}
			f.tool, _ = cmd.Flags().GetString("tool")
			f.product, _ = cmd.Flags().GetString("product")
			f.platform, _ = cmd.Flags().GetString("platform")
			f.os, _ = cmd.Flags().GetString("os")
			f.stdoutFile, _ = cmd.Flags().GetString("stdout")
			f.stderrFile, _ = cmd.Flags().GetString("stderr")
			f.crashDataFile, _ = cmd.Flags().GetString("crashdata")
			f.testCaseFile, _ = cmd.Flags().GetString("testcase")
			f.quality, _ = cmd.Flags().GetInt("quality")
			f.binary, _ = cmd.Flags().GetBool("binary")
			f.bucket, _ = cmd.Flags().GetInt64("bucket")
			sub, err = buildSubmission(f)
		}
		if err != nil {
			FatalError("%v", err)
		}
		noTriage, _ := cmd.Flags().GetBool("no-triage")
		entry, err := submitCrash(ctx, current, sub, !noTriage)
		if err != nil {
			if entry == nil {
				FatalError("%v", err)
			}
			WarnError("%v", err)
		}
		debug.LogEvent("CRASH_SUBMIT", idString(entry.ID), "bucket="+optionalID(entry.BucketID))
		current.commit(ctx, fmt.Sprintf("ft: submit crash %d", entry.ID))

		if jsonOutput {
			outputJSON(entry)
			return
		}
		fmt.Printf("%s Crash %d stored (bucket %s)\n", ui.Icon(ui.IconPass), entry.ID, optionalID(entry.BucketID))
		debug.PrintNormal("  %s\n", entry.ShortSignature)
	},
}

var crashShowCmd = &cobra.Command{
	Use:   "show <crash>",
	Short: "Show a crash entry with its raw output",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		entry, err := current.store.GetCrash(ctx, parseID(args[0], "crash"), types.FullProjection())
		if err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(entry)
			return
		}
		tool, err := current.store.GetTool(ctx, entry.ToolID)
		if err != nil {
			FatalError("%v", err)
		}
		full, _ := cmd.Flags().GetBool("full")
		page(renderCrash(entry, tool.Name, full))
	},
}

func renderCrash(c *types.CrashEntry, tool string, full bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", ui.RenderAccent(fmt.Sprintf("Crash %d", c.ID)), c.ShortSignature)
	fmt.Fprintf(&sb, "%s %s  %s %s  %s %s\n", ui.RenderMuted("tool"), tool,
		ui.RenderMuted("bucket"), optionalID(c.BucketID), ui.RenderMuted("created"), ago(c.CreatedAt))
	if c.Product != "" || c.Platform != "" || c.OS != "" {
		fmt.Fprintf(&sb, "%s %s %s %s\n", ui.RenderMuted("config"), c.Product, c.Platform, c.OS)
	}
	if c.CrashAddress != "" {
		fmt.Fprintf(&sb, "%s %s\n", ui.RenderMuted("address"), c.CrashAddress)
	}
	if c.TestCase != nil {
		kind := "text"
		if c.TestCase.IsBinary {
			kind = "binary"
		}
		fmt.Fprintf(&sb, "%s %d (%s, %s bytes)\n", ui.RenderMuted("testcase quality"), c.TestCase.Quality, kind, count(c.TestCase.Size))
	}
	for _, section := range []struct{ name, text string }{
		{"stdout", c.RawStdout}, {"stderr", c.RawStderr}, {"crashdata", c.RawCrashData},
	} {
		if section.text == "" {
			continue
		}
		text := section.text
		if !full {
			text = ui.TruncateLines(text, ui.DefaultMaxLines, ui.DefaultContextLines)
		}
		sb.WriteString("\n" + ui.RenderCategory(section.name) + "\n" + text + "\n")
	}
	return sb.String()
}

var crashListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crash entries",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		filter := types.CrashFilter{}
		flags := cmd.Flags()
		if flags.Changed("bucket") {
			id, _ := flags.GetInt64("bucket")
			filter.BucketID = &id
		}
		filter.Unbucketed, _ = flags.GetBool("unbucketed")
		if filter.Unbucketed && filter.BucketID != nil {
			FatalError("--bucket and --unbucketed are mutually exclusive")
		}
		if name, _ := flags.GetString("tool"); name != "" {
			tool, err := toolByName(ctx, current, name)
			if err != nil {
				FatalError("%v", err)
			}
			filter.ToolID = &tool.ID
		}
		if flags.Changed("untriaged") {
			f := false
			filter.Triaged = &f
		}
		filter.Limit, _ = flags.GetInt("limit")
		if newest, _ := flags.GetBool("newest"); newest {
			filter.Order = types.Descending
		}

		entries, err := current.store.ListCrashes(ctx, filter, types.Projection{TestCase: true})
		if err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(entries)
			return
		}
		if len(entries) == 0 {
			debug.PrintNormal("No crashes.\n")
			return
		}
		rows := make([][]string, 0, len(entries))
		for _, c := range entries {
			rows = append(rows, []string{idString(c.ID), optionalID(c.BucketID), optionalInt(c.Quality()),
				ui.TruncateSimple(c.ShortSignature, 70), ago(c.CreatedAt)})
		}
		page(ui.RenderTable([]string{"ID", "BUCKET", "QUALITY", "SIGNATURE", "CREATED"}, rows) + "\n")
	},
}

func toolByName(ctx context.Context, a *app, name string) (*types.Tool, error) {
	tools, err := a.store.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

var crashDeleteCmd = &cobra.Command{
	Use:   "delete <crash>...",
	Short: "Delete crash entries",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		deleted := make([]int64, 0, len(args))
		for _, arg := range args {
			id := parseID(arg, "crash")
			if err := current.svc.Delete(ctx, id); err != nil {
				if crashes.IsNotFound(err) {
					WarnError("%v", err)
					continue
				}
				FatalError("%v", err)
			}
			deleted = append(deleted, id)
		}
		if len(deleted) > 0 {
			debug.LogEvent("CRASH_DELETE", fmt.Sprint(deleted), "")
			current.commit(ctx, fmt.Sprintf("ft: delete %d crashes", len(deleted)))
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"deleted": deleted})
			return
		}
		fmt.Printf("%s Deleted %s crashes\n", ui.Icon(ui.IconPass), count(len(deleted)))
	},
}

var crashQualityCmd = &cobra.Command{
	Use:   "quality <crash> <quality>",
	Short: "Set the testcase quality of a crash",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		id := parseID(args[0], "crash")
		var quality int
		if _, err := fmt.Sscan(args[1], &quality); err != nil || quality < 0 {
			FatalError("invalid quality %q", args[1])
		}
		if err := current.svc.UpdateQuality(ctx, id, quality); err != nil {
			FatalError("%v", err)
		}
		current.commit(ctx, fmt.Sprintf("ft: crash %d quality %d", id, quality))
		if jsonOutput {
			outputJSON(map[string]int64{"crash": id, "quality": int64(quality)})
			return
		}
		fmt.Printf("%s Crash %d quality set to %d\n", ui.Icon(ui.IconPass), id, quality)
	},
}

var crashMoveCmd = &cobra.Command{
	Use:   "move <crash> <bucket|none>",
	Short: "Move a crash into a bucket, or out of its bucket with 'none'",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		id := parseID(args[0], "crash")
		var to *int64
		if args[1] != "none" {
			b := parseID(args[1], "bucket")
			to = &b
		}
		if err := current.svc.Move(ctx, id, to); err != nil {
			FatalError("%v", err)
		}
		current.commit(ctx, fmt.Sprintf("ft: move crash %d to %s", id, optionalID(to)))
		if jsonOutput {
			outputJSON(map[string]interface{}{"crash": id, "bucket": to})
			return
		}
		fmt.Printf("%s Crash %d moved to bucket %s\n", ui.Icon(ui.IconPass), id, optionalID(to))
	},
}

func init() {
	f := crashSubmitCmd.Flags()
	f.String("tool", "", "Tool that found the crash")
	f.String("product", "", "Product name")
	f.String("platform", "", "Platform, e.g. x86-64")
	f.String("os", "", "Operating system")
	f.String("stdout", "", "File with the program's stdout")
	f.String("stderr", "", "File with the program's stderr")
	f.String("crashdata", "", "File with additional crash data")
	f.String("testcase", "", "Testcase file")
	f.Int("quality", 0, "Testcase quality (lower is better)")
	f.Bool("binary", false, "The testcase is binary")
	f.Int64("bucket", 0, "Store directly in this bucket")
	f.Bool("no-triage", false, "Leave the crash unbucketed")

	crashShowCmd.Flags().Bool("full", false, "Do not truncate raw output")

	crashListCmd.Flags().Int64("bucket", 0, "Only crashes in this bucket")
	crashListCmd.Flags().Bool("unbucketed", false, "Only crashes without a bucket")
	crashListCmd.Flags().String("tool", "", "Only crashes from this tool")
	crashListCmd.Flags().Bool("untriaged", false, "Only crashes not yet triaged")
	crashListCmd.Flags().Int("limit", 50, "Maximum number of crashes (0 = all)")
	crashListCmd.Flags().Bool("newest", false, "Newest first")

	crashCmd.AddCommand(crashSubmitCmd, crashShowCmd, crashListCmd, crashDeleteCmd, crashQualityCmd, crashMoveCmd)
	rootCmd.AddCommand(crashCmd)
}
