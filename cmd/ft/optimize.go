package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/optimize"
	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/types"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

// proposal is the outcome of one optimization run.
type proposal struct {
	BucketID  int64                `json:"bucket"`
	Signature *signature.Signature `json:"signature"`
	Matches   []*types.CrashEntry  `json:"matches"`
	Reassign  *reassign.Result     `json:"reassign,omitempty"`
}

// optimizeBucket searches for a broader signature for bucketID among up to
// limit unbucketed crashes.
func optimizeBucket(ctx context.Context, a *app, bucketID int64, limit int) (*proposal, error) {
	b, err := a.store.GetBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	sig, err := signature.Parse(b.Signature)
	if err != nil {
		return nil, err
	}
	candidates, err := a.store.ListCrashes(ctx,
		types.CrashFilter{Unbucketed: true, Limit: limit}, sig.Projection())
	if err != nil {
		return nil, err
	}
	debug.Logf("optimizing bucket %d against %d unbucketed crashes\n", bucketID, len(candidates))

	opt := optimize.New(a.store, a.cache, optimize.WithLogger(a.log))
	proposed, matches, err := opt.Optimize(ctx, bucketID, candidates)
	if err != nil {
		return nil, err
	}
	return &proposal{BucketID: bucketID, Signature: proposed, Matches: matches}, nil
}

func renderProposal(p *proposal) string {
	if p.Signature == nil {
		return fmt.Sprintf("No broader signature found for bucket %d.\n", p.BucketID)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", ui.RenderCategory("proposed signature"))
	sb.WriteString(ui.Indent(prettySignature(p.Signature.String()), "  ") + "\n\n")
	sb.WriteString(renderSamples("matching unbucketed crashes", len(p.Matches), firstN(p.Matches, reassign.SampleSize)))
	if p.Reassign != nil {
		fmt.Fprintf(&sb, "\n%s Signature updated, %s crashes assigned\n", ui.Icon(ui.IconPass), count(p.Reassign.InCount))
	} else {
		fmt.Fprintf(&sb, "\nRun 'ft optimize %d --apply' to adopt it.\n", p.BucketID)
	}
	return sb.String()
}

func firstN(entries []*types.CrashEntry, n int) []*types.CrashEntry {
	if len(entries) > n {
		return entries[:n]
	}
	return entries
}

var optimizeCmd = &cobra.Command{
	Use:     "optimize <bucket>",
	GroupID: "buckets",
	Short:   "Propose a broader signature for a bucket",
	Long: `Search the unbucketed crashes for one the bucket's signature almost
matches and propose a signature broadened to cover it. Proposals that would
match another bucket's crashes are rejected.

With --apply the bucket's signature is replaced and the bucket reassigned.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		bucketID := parseID(args[0], "bucket")
		limit, _ := cmd.Flags().GetInt("limit")
		p, err := optimizeBucket(ctx, current, bucketID, limit)
		if err != nil {
			FatalError("%v", err)
		}

		if apply, _ := cmd.Flags().GetBool("apply"); apply && p.Signature != nil {
			b, err := current.store.GetBucket(ctx, bucketID)
			if err != nil {
				FatalError("%v", err)
			}
			b.Signature = p.Signature.String()
			if err := current.svc.UpdateBucket(ctx, b); err != nil {
				FatalError("%v", err)
			}
			current.triager.Refresh()
			p.Reassign = applyReassign(ctx, current, bucketID)
			debug.LogEvent("OPTIMIZE", idString(bucketID), fmt.Sprintf("in=%d", p.Reassign.InCount))
			current.commit(ctx, fmt.Sprintf("ft: optimize bucket %d", bucketID))
		}

		if jsonOutput {
			outputJSON(p)
			return
		}
		page(renderProposal(p))
	},
}

func init() {
	optimizeCmd.Flags().Bool("apply", false, "Replace the signature and reassign the bucket")
	optimizeCmd.Flags().Int("limit", 0, "Consider at most this many unbucketed crashes (0 = all)")
	rootCmd.AddCommand(optimizeCmd)
}
