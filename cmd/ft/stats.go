package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/counters"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/timeparsing"
	"github.com/fuzztriage/fuzztriage/internal/types"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "buckets",
	Short:   "Bucket sizes, hourly hit counts and counter reconciliation",
}

// bucketFlag returns the --bucket value, or nil when unset.
func bucketFlag(cmd *cobra.Command) *int64 {
	if !cmd.Flags().Changed("bucket") {
		return nil
	}
	id, _ := cmd.Flags().GetInt64("bucket")
	return &id
}

var statsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show per-tool bucket sizes and best testcase quality",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		stats, err := current.store.ListStatistics(ctx, bucketFlag(cmd))
		if err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(stats)
			return
		}
		if len(stats) == 0 {
			debug.PrintNormal("No statistics.\n")
			return
		}
		names, err := toolNames(ctx, current)
		if err != nil {
			FatalError("%v", err)
		}
		rows := make([][]string, 0, len(stats))
		total := 0
		for _, st := range stats {
			rows = append(rows, []string{idString(st.BucketID), names[st.ToolID], count(st.Size), optionalInt(st.Quality)})
			total += st.Size
		}
		page(ui.RenderTable([]string{"BUCKET", "TOOL", "SIZE", "BEST QUALITY"}, rows) +
			"\n" + ui.RenderMuted(fmt.Sprintf("%s bucketed crashes", count(total))) + "\n")
	},
}

func toolNames(ctx context.Context, a *app) (map[int64]string, error) {
	tools, err := a.store.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(tools))
	for _, t := range tools {
		names[t.ID] = t.Name
	}
	return names, nil
}

// hitSeries sums hits per bucket and hour across tools.
type hitSeries struct {
	BucketID int64             `json:"bucket"`
	Total    int               `json:"total"`
	Hours    map[time.Time]int `json:"hours"`
}

func summarizeHits(hits []*types.BucketHit) []*hitSeries {
	byBucket := map[int64]*hitSeries{}
	for _, h := range hits {
		s, ok := byBucket[h.BucketID]
		if !ok {
			s = &hitSeries{BucketID: h.BucketID, Hours: map[time.Time]int{}}
			byBucket[h.BucketID] = s
		}
		s.Total += h.Count
		s.Hours[h.Begin] += h.Count
	}
	out := make([]*hitSeries, 0, len(byBucket))
	for _, s := range byBucket {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].BucketID < out[j].BucketID
	})
	return out
}

// sparkline renders hourly counts between since and now, one rune per hour.
func sparkline(hours map[time.Time]int, since, now time.Time) string {
	const bars = " ▁▂▃▄▅▆▇█"
	levels := []rune(bars)
	start, end := types.HourBegin(since), types.HourBegin(now)
	peak := 0
	for _, n := range hours {
		if n > peak {
			peak = n
		}
	}
	var sb strings.Builder
	for t := start; !t.After(end); t = t.Add(time.Hour) {
		n := hours[t]
		if peak == 0 || n == 0 {
			sb.WriteRune(levels[0])
			continue
		}
		idx := 1 + n*(len(levels)-2)/peak
		sb.WriteRune(levels[idx])
	}
	return sb.String()
}

var statsHitsCmd = &cobra.Command{
	Use:   "hits",
	Short: "Show hourly crash counts per bucket",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		now := time.Now()
		sinceArg, _ := cmd.Flags().GetString("since")
		since, err := timeparsing.ParseSince(sinceArg, now)
		if err != nil {
			FatalError("%v", err)
		}
		hits, err := current.store.ListHits(ctx, bucketFlag(cmd), since)
		if err != nil {
			FatalError("%v", err)
		}
		series := summarizeHits(hits)
		if jsonOutput {
			outputJSON(hits)
			return
		}
		if len(series) == 0 {
			debug.PrintNormal("No hits since %s.\n", ago(since))
			return
		}
		showSpark := now.Sub(since) <= 7*24*time.Hour
		rows := make([][]string, 0, len(series))
		for _, s := range series {
			row := []string{idString(s.BucketID), count(s.Total)}
			if showSpark {
				row = append(row, sparkline(s.Hours, since, now))
			}
			rows = append(rows, row)
		}
		headers := []string{"BUCKET", "HITS"}
		if showSpark {
			headers = append(headers, "PER HOUR")
		}
		page(ui.RenderTable(headers, rows) + "\n" + ui.RenderMuted("since "+ago(since)) + "\n")
	},
}

var statsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recount bucket statistics and hits from the crash entries",
	Long: `Recount every statistics and hit counter from the stored crash entries
and replace the cached counters when they drifted. --dry-run only reports
the drift.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		res, err := counters.Reconcile(ctx, current.store, dryRun)
		if err != nil {
			FatalError("%v", err)
		}
		if res.Applied {
			debug.LogEvent("RECONCILE", "", fmt.Sprintf("drift=%d", len(res.Drift)))
			current.commit(ctx, "ft: reconcile counters")
		}
		if jsonOutput {
			outputJSON(res)
			return
		}
		if len(res.Drift) == 0 {
			fmt.Printf("%s Counters match %s crashes\n", ui.Icon(ui.IconPass), count(res.Scanned))
			return
		}
		for _, d := range res.Drift {
			fmt.Println("  " + d.String())
		}
		if res.Applied {
			fmt.Printf("%s Repaired %d counters (%s crashes scanned)\n", ui.Icon(ui.IconPass), len(res.Drift), count(res.Scanned))
		} else {
			fmt.Printf("%s %d counters drifted (%s crashes scanned)\n", ui.Icon(ui.IconWarn), len(res.Drift), count(res.Scanned))
		}
	},
}

func init() {
	statsShowCmd.Flags().Int64("bucket", 0, "Only this bucket")
	statsHitsCmd.Flags().Int64("bucket", 0, "Only this bucket")
	statsHitsCmd.Flags().String("since", "24h", "Start of the window (e.g. 6h, 7d, 2025-01-15, \"last monday\")")
	statsReconcileCmd.Flags().Bool("dry-run", false, "Report drift without repairing it")

	statsCmd.AddCommand(statsShowCmd, statsHitsCmd, statsReconcileCmd)
	rootCmd.AddCommand(statsCmd)
}
