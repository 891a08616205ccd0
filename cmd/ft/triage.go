package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/types"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

// untriagedIDs lists unbucketed crashes automatic triage has not looked at.
func untriagedIDs(ctx context.Context, a *app, limit int) ([]int64, error) {
	f := false
	entries, err := a.store.ListCrashes(ctx, types.CrashFilter{Unbucketed: true, Triaged: &f, Limit: limit}, types.Projection{})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, c := range entries {
		ids[i] = c.ID
	}
	return ids, nil
}

// triageAll runs ids through the triage queue and returns the placements.
func triageAll(ctx context.Context, a *app, ids []int64) (map[int64]int64, error) {
	q := a.queue()
	for _, id := range ids {
		if err := q.EnqueueTriage(ctx, id); err != nil {
			_, _ = q.Wait()
			return nil, err
		}
	}
	return q.Wait()
}

var triageCmd = &cobra.Command{
	Use:     "triage [crash...]",
	GroupID: "triage",
	Short:   "Assign crashes to the first bucket whose signature matches",
	Long: `Assign the given crashes, or every untriaged unbucketed crash, to the
first bucket whose signature matches.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		var ids []int64
		if len(args) > 0 {
			for _, arg := range args {
				ids = append(ids, parseID(arg, "crash"))
			}
		} else {
			limit, _ := cmd.Flags().GetInt("limit")
			var err error
			if ids, err = untriagedIDs(ctx, current, limit); err != nil {
				FatalError("%v", err)
			}
		}
		placed, err := triageAll(ctx, current, ids)
		if err != nil {
			if placed == nil {
				FatalError("%v", err)
			}
			WarnError("%v", err)
		}
		if len(placed) > 0 {
			debug.LogEvent("TRIAGE", "", fmt.Sprintf("checked=%d placed=%d", len(ids), len(placed)))
			current.commit(ctx, fmt.Sprintf("ft: triage %d crashes", len(placed)))
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"checked": len(ids), "placed": placed})
			return
		}
		fmt.Printf("%s %s crashes checked, %s assigned to a bucket\n", ui.Icon(ui.IconPass), count(len(ids)), count(len(placed)))
	},
}

func init() {
	triageCmd.Flags().Int("limit", 0, "Maximum number of untriaged crashes to check (0 = all)")
	rootCmd.AddCommand(triageCmd)
}
