package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/types"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

var bucketCmd = &cobra.Command{
	Use:     "bucket",
	GroupID: "buckets",
	Short:   "Manage signature buckets",
}

// bucketSummary is a bucket with its aggregated statistics.
type bucketSummary struct {
	*types.Bucket
	Size        int        `json:"size"`
	BestQuality *int       `json:"bestQuality,omitempty"`
	Bug         *types.Bug `json:"bugRef,omitempty"`
}

func parseID(arg, what string) int64 {
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id <= 0 {
		FatalError("invalid %s id %q", what, arg)
	}
	return id
}

// readSignature returns the signature text from --signature or
// --signature-file, or "" when neither is set.
func readSignature(cmd *cobra.Command) (string, error) {
	text, _ := cmd.Flags().GetString("signature")
	file, _ := cmd.Flags().GetString("signature-file")
	switch {
	case text != "" && file != "":
		return "", fmt.Errorf("--signature and --signature-file are mutually exclusive")
	case file != "":
		data, err := os.ReadFile(file) // #nosec G304 - user supplied signature file
		if err != nil {
			return "", fmt.Errorf("failed to read signature: %w", err)
		}
		return string(data), nil
	}
	return text, nil
}

// signatureFromCrash proposes a signature for an existing crash.
func signatureFromCrash(ctx context.Context, a *app, crashID int64, opts signature.CreateOptions) (string, error) {
	entry, err := a.store.GetCrash(ctx, crashID, types.FullProjection())
	if err != nil {
		return "", err
	}
	ci, err := a.cache.Get(entry)
	if err != nil {
		return "", fmt.Errorf("failed to parse crash %d: %w", crashID, err)
	}
	sig, err := signature.FromCrashInfo(ci, opts)
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// promptBucket asks for the fields of a new bucket interactively.
func promptBucket(b *types.Bucket) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Short description").
				Value(&b.ShortDescription).
				CharLimit(types.MaxShortDescriptionLength),
			huh.NewText().
				Title("Signature (JSON)").
				Value(&b.Signature).
				Validate(func(s string) error {
					_, err := signature.Parse(s)
					return err
				}),
			huh.NewConfirm().
				Title("Frequent?").
				Value(&b.Frequent),
		),
	).Run()
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a bucket",
	Long: `Create a bucket from a signature. Without --signature, --signature-file or
--from-crash an interactive form is shown on a terminal.

With --apply, matching unbucketed crashes are moved into the new bucket.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		b := &types.Bucket{}
		b.ShortDescription, _ = cmd.Flags().GetString("description")
		b.Frequent, _ = cmd.Flags().GetBool("frequent")
		b.Permanent, _ = cmd.Flags().GetBool("permanent")
		b.DoNotReduce, _ = cmd.Flags().GetBool("do-not-reduce")

		text, err := readSignature(cmd)
		if err != nil {
			FatalError("%v", err)
		}
		if fromCrash, _ := cmd.Flags().GetString("from-crash"); fromCrash != "" {
			if text != "" {
				FatalError("--from-crash cannot be combined with a signature")
			}
			opts := signature.CreateOptions{}
			opts.MaxFrames, _ = cmd.Flags().GetInt("max-frames")
			opts.ForceCrashAddress, _ = cmd.Flags().GetBool("force-crash-address")
			if text, err = signatureFromCrash(ctx, current, parseID(fromCrash, "crash"), opts); err != nil {
				FatalError("%v", err)
			}
		}
		b.Signature = text
		if b.Signature == "" {
			if !ui.IsTerminal() {
				FatalError("a signature is required (--signature, --signature-file or --from-crash)")
			}
			if err := promptBucket(b); err != nil {
				FatalError("%v", err)
			}
		}

		if err := current.svc.CreateBucket(ctx, b); err != nil {
			FatalError("%v", err)
		}
		debug.LogEvent("BUCKET_CREATE", idString(b.ID), b.ShortDescription)

		var res *reassign.Result
		if apply, _ := cmd.Flags().GetBool("apply"); apply {
			res = applyReassign(ctx, current, b.ID)
		}
		current.commit(ctx, fmt.Sprintf("ft: create bucket %d", b.ID))

		if jsonOutput {
			outputJSON(map[string]interface{}{"bucket": b, "reassign": res})
			return
		}
		fmt.Printf("%s Created bucket %d\n", ui.Icon(ui.IconPass), b.ID)
		if res != nil {
			fmt.Printf("  %s crashes assigned\n", count(res.InCount))
		}
	},
}

// summarizeBuckets joins buckets with their statistics and bugs.
func summarizeBuckets(ctx context.Context, a *app, buckets []*types.Bucket) ([]*bucketSummary, error) {
	stats, err := a.store.ListStatistics(ctx, nil)
	if err != nil {
		return nil, err
	}
	bugs, err := a.store.ListBugs(ctx)
	if err != nil {
		return nil, err
	}
	bugByID := make(map[int64]*types.Bug, len(bugs))
	for _, bug := range bugs {
		bugByID[bug.ID] = bug
	}

	byBucket := make(map[int64]*bucketSummary, len(buckets))
	out := make([]*bucketSummary, 0, len(buckets))
	for _, b := range buckets {
		s := &bucketSummary{Bucket: b}
		if b.BugID != nil {
			s.Bug = bugByID[*b.BugID]
		}
		byBucket[b.ID] = s
		out = append(out, s)
	}
	for _, st := range stats {
		s, ok := byBucket[st.BucketID]
		if !ok {
			continue
		}
		s.Size += st.Size
		if st.Quality != nil && (s.BestQuality == nil || *st.Quality < *s.BestQuality) {
			q := *st.Quality
			s.BestQuality = &q
		}
	}
	return out, nil
}

func bucketRows(summaries []*bucketSummary) [][]string {
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		bug := "-"
		if s.Bug != nil {
			bug = s.Bug.ExternalType + ":" + s.Bug.ExternalID
		}
		var flags []string
		if s.Frequent {
			flags = append(flags, "frequent")
		}
		if s.Permanent {
			flags = append(flags, "permanent")
		}
		if s.ReassignInProgress {
			flags = append(flags, "reassigning")
		}
		desc := ui.TruncateSimple(s.ShortDescription, 60)
		desc = ui.RenderBucketState(desc, s.Frequent, s.Bug != nil, s.Bug != nil && s.Bug.ClosedAt != nil)
		rows = append(rows, []string{
			idString(s.ID), desc, count(s.Size), optionalInt(s.BestQuality), bug, strings.Join(flags, ","),
		})
	}
	return rows
}

var bucketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buckets with their sizes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		filter := types.BucketFilter{}
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		if bug, _ := cmd.Flags().GetString("bug"); bug != "" {
			id := parseID(bug, "bug")
			filter.BugID = &id
		}
		buckets, err := current.store.ListBuckets(ctx, filter)
		if err != nil {
			FatalError("%v", err)
		}
		summaries, err := summarizeBuckets(ctx, current, buckets)
		if err != nil {
			FatalError("%v", err)
		}
		if sortBy, _ := cmd.Flags().GetString("sort"); sortBy == "size" {
			sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].Size > summaries[j].Size })
		}

		if jsonOutput {
			outputJSON(summaries)
			return
		}
		if len(summaries) == 0 {
			debug.PrintNormal("No buckets.\n")
			return
		}
		page(ui.RenderTable([]string{"ID", "DESCRIPTION", "SIZE", "QUALITY", "BUG", "FLAGS"}, bucketRows(summaries)) + "\n")
	},
}

var bucketShowCmd = &cobra.Command{
	Use:   "show <bucket>",
	Short: "Show a bucket, its signature and per-tool statistics",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		id := parseID(args[0], "bucket")
		b, err := current.store.GetBucket(ctx, id)
		if err != nil {
			FatalError("%v", err)
		}
		stats, err := current.store.ListStatistics(ctx, &id)
		if err != nil {
			FatalError("%v", err)
		}
		summaries, err := summarizeBuckets(ctx, current, []*types.Bucket{b})
		if err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"bucket": summaries[0], "statistics": stats})
			return
		}

		var sb strings.Builder
		s := summaries[0]
		fmt.Fprintf(&sb, "%s %s\n", ui.RenderAccent(fmt.Sprintf("Bucket %d", b.ID)), s.ShortDescription)
		fmt.Fprintf(&sb, "%s %s  %s %s\n", ui.RenderMuted("created"), ago(b.CreatedAt),
			ui.RenderMuted("size"), count(s.Size))
		if s.Bug != nil {
			state := "open"
			if s.Bug.ClosedAt != nil {
				state = "closed " + ago(*s.Bug.ClosedAt)
			}
			fmt.Fprintf(&sb, "%s %s:%s (%s)\n", ui.RenderMuted("bug"), s.Bug.ExternalType, s.Bug.ExternalID, state)
		}
		if b.ReassignInProgress {
			fmt.Fprintf(&sb, "%s\n", ui.RenderWarn("reassignment in progress"))
			fmt.Fprintf(&sb, "%s\n", ui.RenderMuted(fmt.Sprintf("  if no job is running, clear it with 'ft reassign %d --clear-flag'", b.ID)))
		}
		sb.WriteString("\n" + ui.RenderCategory("signature") + "\n")
		sb.WriteString(ui.Indent(prettySignature(b.Signature), "  ") + "\n")

		if len(stats) > 0 {
			names, err := toolNames(ctx, current)
			if err != nil {
				FatalError("%v", err)
			}
			rows := make([][]string, 0, len(stats))
			for _, st := range stats {
				rows = append(rows, []string{names[st.ToolID], count(st.Size), optionalInt(st.Quality)})
			}
			sb.WriteString("\n" + ui.RenderCategory("statistics") + "\n")
			sb.WriteString(ui.RenderTable([]string{"TOOL", "SIZE", "BEST QUALITY"}, rows) + "\n")
		}
		page(sb.String())
	},
}

// prettySignature indents signature JSON, falling back to the stored text.
func prettySignature(text string) string {
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return text
	}
	return string(out)
}

var bucketEditCmd = &cobra.Command{
	Use:   "edit <bucket>",
	Short: "Change a bucket's signature or attributes",
	Long: `Change a bucket's signature or attributes. Membership is not changed;
run 'ft reassign <bucket> --apply' to apply a new signature.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		b, err := current.store.GetBucket(ctx, parseID(args[0], "bucket"))
		if err != nil {
			FatalError("%v", err)
		}
		text, err := readSignature(cmd)
		if err != nil {
			FatalError("%v", err)
		}
		changed := text != ""
		if changed {
			b.Signature = text
		}
		flags := cmd.Flags()
		if flags.Changed("description") {
			b.ShortDescription, _ = flags.GetString("description")
			changed = true
		}
		for name, field := range map[string]*bool{"frequent": &b.Frequent, "permanent": &b.Permanent, "do-not-reduce": &b.DoNotReduce} {
			if flags.Changed(name) {
				*field, _ = flags.GetBool(name)
				changed = true
			}
		}
		if !changed {
			FatalError("nothing to change")
		}
		if err := current.svc.UpdateBucket(ctx, b); err != nil {
			FatalError("%v", err)
		}
		debug.LogEvent("BUCKET_EDIT", idString(b.ID), "")
		current.commit(ctx, fmt.Sprintf("ft: edit bucket %d", b.ID))

		if jsonOutput {
			outputJSON(b)
			return
		}
		fmt.Printf("%s Updated bucket %d\n", ui.Icon(ui.IconPass), b.ID)
		if text != "" {
			debug.PrintNormal("  Run 'ft reassign %d' to preview membership changes.\n", b.ID)
		}
	},
}

var bucketDeleteCmd = &cobra.Command{
	Use:   "delete <bucket>",
	Short: "Delete a bucket, unassigning and re-triaging its crashes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		id := parseID(args[0], "bucket")
		detached, err := current.svc.DeleteBucket(ctx, id)
		if err != nil {
			FatalError("%v", err)
		}
		current.triager.Refresh()

		placed := map[int64]int64{}
		if noTriage, _ := cmd.Flags().GetBool("no-triage"); !noTriage && len(detached) > 0 {
			q := current.queue()
			for _, crashID := range detached {
				if err := q.EnqueueTriage(ctx, crashID); err != nil {
					break
				}
			}
			if placed, err = q.Wait(); err != nil {
				WarnError("%v", err)
			}
		}
		debug.LogEvent("BUCKET_DELETE", idString(id), fmt.Sprintf("detached=%d", len(detached)))
		current.commit(ctx, fmt.Sprintf("ft: delete bucket %d", id))

		if jsonOutput {
			outputJSON(map[string]interface{}{"bucket": id, "detached": detached, "retriaged": placed})
			return
		}
		fmt.Printf("%s Deleted bucket %d (%s crashes unassigned, %s re-triaged)\n",
			ui.Icon(ui.IconPass), id, count(len(detached)), count(len(placed)))
	},
}

func init() {
	for _, c := range []*cobra.Command{bucketCreateCmd, bucketEditCmd} {
		c.Flags().String("signature", "", "Signature JSON")
		c.Flags().String("signature-file", "", "Read the signature from a file")
		c.Flags().String("description", "", "Short description")
		c.Flags().Bool("frequent", false, "Mark as frequent")
		c.Flags().Bool("permanent", false, "Mark as permanent")
		c.Flags().Bool("do-not-reduce", false, "Exclude testcases from reduction")
	}
	bucketCreateCmd.Flags().String("from-crash", "", "Propose a signature from an existing crash")
	bucketCreateCmd.Flags().Int("max-frames", signature.DefaultMaxFrames, "With --from-crash, stack frames to include")
	bucketCreateCmd.Flags().Bool("force-crash-address", false, "With --from-crash, always match the exact crash address")
	bucketCreateCmd.Flags().Bool("apply", false, "Move matching unbucketed crashes into the new bucket")

	bucketListCmd.Flags().String("bug", "", "Only buckets linked to this bug id")
	bucketListCmd.Flags().Int("limit", 0, "Maximum number of buckets (0 = all)")
	bucketListCmd.Flags().String("sort", "id", "Sort by id or size")

	bucketDeleteCmd.Flags().Bool("no-triage", false, "Leave unassigned crashes unbucketed")

	bucketCmd.AddCommand(bucketCreateCmd, bucketListCmd, bucketShowCmd, bucketEditCmd, bucketDeleteCmd)
	rootCmd.AddCommand(bucketCmd)
}
