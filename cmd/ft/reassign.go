package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/jobs"
	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/types"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

// reassignOptions validates the paging flags before they reach the engine.
func reassignOptions(apply bool, limit, offset int) (reassign.Options, error) {
	switch {
	case limit < 0:
		return reassign.Options{}, fmt.Errorf("--limit must not be negative")
	case offset < 0:
		return reassign.Options{}, fmt.Errorf("--offset must not be negative")
	case offset > 0 && limit == 0:
		return reassign.Options{}, fmt.Errorf("--offset requires --limit")
	}
	return reassign.Options{Apply: apply, Limit: limit, Offset: offset}, nil
}

// runReassign runs one reassignment page and returns the triage placements.
//
// An unpaged apply re-triages the crashes it removed. A paged apply leaves
// removed crashes untriaged until the final page, then triages every
// untriaged crash, so that triage never shifts the offsets of a page still
// to come.
func runReassign(ctx context.Context, a *app, bucketID int64, opts reassign.Options) (*reassign.Result, map[int64]int64, error) {
	if !opts.Apply {
		res, err := a.engine(nil).Reassign(ctx, bucketID, opts)
		return res, nil, err
	}
	q := a.queue()
	engine := a.engine(q)
	res, err := engine.Reassign(ctx, bucketID, opts)
	if err == nil && opts.Limit > 0 && res.NextOffset == nil {
		ids, listErr := untriagedIDs(ctx, a, 0)
		if listErr != nil {
			WarnError("failed to list untriaged crashes: %v", listErr)
		}
		engine.Retriage(ctx, ids)
	}
	placed, waitErr := q.Wait()
	if err != nil {
		return nil, nil, err
	}
	if waitErr != nil {
		WarnError("triage of removed crashes failed: %v", waitErr)
	}
	return res, placed, nil
}

// applyReassign applies the whole candidate set for a bucket or exits.
func applyReassign(ctx context.Context, a *app, bucketID int64) *reassign.Result {
	res, _, err := runReassign(ctx, a, bucketID, reassign.Options{Apply: true})
	if err != nil {
		FatalError("%v", err)
	}
	return res
}

func renderSamples(title string, total int, samples []*types.CrashEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n", ui.RenderCategory(title), count(total))
	if len(samples) == 0 {
		sb.WriteString(ui.RenderMuted("  none") + "\n")
		return sb.String()
	}
	rows := make([][]string, 0, len(samples))
	for _, c := range samples {
		rows = append(rows, []string{idString(c.ID), optionalID(c.BucketID), ui.TruncateSimple(c.ShortSignature, 70), ago(c.CreatedAt)})
	}
	sb.WriteString(ui.RenderTable([]string{"CRASH", "BUCKET", "SIGNATURE", "CREATED"}, rows) + "\n")
	if total > len(samples) {
		fmt.Fprintf(&sb, "%s\n", ui.RenderMuted(fmt.Sprintf("  ... and %s more", count(total-len(samples)))))
	}
	return sb.String()
}

func renderReassign(res *reassign.Result, placed map[int64]int64) string {
	var sb strings.Builder
	if res.Applied {
		fmt.Fprintf(&sb, "%s Bucket %d: %s crashes assigned, %s removed\n",
			ui.Icon(ui.IconPass), res.BucketID, count(res.InCount), count(res.OutCount))
		switch {
		case len(placed) > 0:
			fmt.Fprintf(&sb, "  %s crashes were triaged into another bucket\n", count(len(placed)))
		case res.NextOffset != nil && res.OutCount > 0:
			fmt.Fprintf(&sb, "  removed crashes are triaged after the final page\n")
		}
	} else {
		fmt.Fprintf(&sb, "Bucket %d preview: %s would be assigned, %s would be removed\n\n",
			res.BucketID, count(res.InCount), count(res.OutCount))
		sb.WriteString(renderSamples("new matches", res.InCount, res.InSamples))
		sb.WriteString("\n")
		sb.WriteString(renderSamples("no longer matching", res.OutCount, res.OutSamples))
		if res.InCount+res.OutCount > 0 {
			fmt.Fprintf(&sb, "\nRun 'ft reassign %d --apply' to apply.\n", res.BucketID)
		}
	}
	if res.NextOffset != nil {
		fmt.Fprintf(&sb, "%s\n", ui.RenderMuted(fmt.Sprintf("More candidates remain: continue with --offset %d", *res.NextOffset)))
	}
	return sb.String()
}

var reassignCmd = &cobra.Command{
	Use:     "reassign <bucket>",
	GroupID: "buckets",
	Short:   "Preview or apply membership changes for a bucket's signature",
	Long: `Match the bucket's signature against unbucketed crashes and the bucket's
current members. Without --apply only a preview is shown.

--limit and --offset page through the candidates; --offset requires --limit.
--async applies the whole candidate set in pages as a background job and
reports its status when done. --clear-flag clears the in-progress flag left
behind by an async job that did not finish.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		bucketID := parseID(args[0], "bucket")
		apply, _ := cmd.Flags().GetBool("apply")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		async, _ := cmd.Flags().GetBool("async")

		if unflag, _ := cmd.Flags().GetBool("clear-flag"); unflag {
			cleared := clearFlag(ctx, current, bucketID)
			if jsonOutput {
				outputJSON(map[string]interface{}{"bucket": bucketID, "cleared": cleared})
				return
			}
			if !cleared {
				fmt.Printf("Bucket %d is not flagged as being reassigned\n", bucketID)
				return
			}
			fmt.Printf("%s Cleared reassignment flag on bucket %d\n", ui.Icon(ui.IconPass), bucketID)
			return
		}

		if async {
			if limit != 0 || offset != 0 {
				FatalError("--async cannot be combined with --limit or --offset")
			}
			st := runAsync(ctx, current, bucketID)
			if jsonOutput {
				outputJSON(st)
				return
			}
			if st.Err != "" {
				FatalError("reassignment %s failed: %s", st.Token, st.Err)
			}
			fmt.Printf("%s Bucket %d: %s assigned, %s removed in %d pages\n",
				ui.Icon(ui.IconPass), bucketID, count(st.In), count(st.Out), st.Pages)
			return
		}

		opts, err := reassignOptions(apply, limit, offset)
		if err != nil {
			FatalError("%v", err)
		}
		res, placed, err := runReassign(ctx, current, bucketID, opts)
		if err != nil {
			if signature.IsValidationError(err) {
				FatalErrorWithHint(err.Error(), fmt.Sprintf("Fix the signature with 'ft bucket edit %d --signature-file <file>'", bucketID))
			}
			FatalError("%v", err)
		}
		if res.Applied {
			debug.LogEvent("REASSIGN", idString(bucketID), fmt.Sprintf("in=%d out=%d", res.InCount, res.OutCount))
			current.commit(ctx, fmt.Sprintf("ft: reassign bucket %d", bucketID))
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		page(renderReassign(res, placed))
	},
}

// runAsync starts a background reassignment and waits for it.
func runAsync(ctx context.Context, a *app, bucketID int64) jobs.Status {
	tokens, release, err := a.tokens()
	if err != nil {
		FatalError("%v", err)
	}
	defer release()

	q := a.queue()
	runner := jobs.NewRunner(a.store, a.engine(q), tokens, config.ReassignPageSize(), a.log)
	token, err := runner.StartReassign(ctx, bucketID)
	if err != nil {
		FatalError("%v", err)
	}
	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "Started reassignment %s for bucket %d\n", token, bucketID)
	}
	runner.Wait()
	if _, err := q.Wait(); err != nil {
		WarnError("triage of removed crashes failed: %v", err)
	}

	st, _ := runner.Status(token)
	if st.Err == "" {
		debug.LogEvent("REASSIGN", idString(bucketID), fmt.Sprintf("async token=%s in=%d out=%d", token, st.In, st.Out))
		a.commit(ctx, fmt.Sprintf("ft: reassign bucket %d", bucketID))
	}
	return st
}

// clearFlag clears a leftover in-progress flag or exits.
func clearFlag(ctx context.Context, a *app, bucketID int64) bool {
	tokens, release, err := a.tokens()
	if err != nil {
		FatalError("%v", err)
	}
	defer release()

	runner := jobs.NewRunner(a.store, a.engine(nil), tokens, config.ReassignPageSize(), a.log)
	cleared, err := runner.ClearFlag(ctx, bucketID)
	if err != nil {
		FatalError("%v", err)
	}
	if cleared {
		debug.LogEvent("REASSIGN", idString(bucketID), "cleared in-progress flag")
		a.commit(ctx, fmt.Sprintf("ft: clear reassign flag on bucket %d", bucketID))
	}
	return cleared
}

func init() {
	reassignCmd.Flags().Bool("apply", false, "Apply the changes instead of previewing them")
	reassignCmd.Flags().Int("limit", 0, "Maximum number of candidates to process (0 = all)")
	reassignCmd.Flags().Int("offset", 0, "Skip this many candidates (requires --limit)")
	reassignCmd.Flags().Bool("async", false, "Apply the full reassignment as a paged background job")
	reassignCmd.Flags().Bool("clear-flag", false, "Clear the in-progress flag left by an interrupted async job")
	rootCmd.AddCommand(reassignCmd)
}
