package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/bugs"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

var bugCmd = &cobra.Command{
	Use:     "bug",
	GroupID: "buckets",
	Short:   "Link buckets to external bugs",
}

func registry() *bugs.Registry {
	reg, err := bugs.FromConfig()
	if err != nil {
		FatalError("failed to configure bug providers: %v", err)
	}
	return reg
}

var bugLinkCmd = &cobra.Command{
	Use:   "link <bucket> <bug-ref>",
	Short: "Link a bucket to a bug (URL, owner/repo#123 or tracker id)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		bucketID := parseID(args[0], "bucket")
		provider, _ := cmd.Flags().GetString("provider")
		reg := registry()
		bug, err := bugs.Link(ctx, current.store, reg, bucketID, provider, args[1])
		if err != nil {
			FatalError("%v", err)
		}
		debug.LogEvent("BUG_LINK", idString(bucketID), bug.ExternalType+":"+bug.ExternalID)
		current.commit(ctx, fmt.Sprintf("ft: link bucket %d to %s %s", bucketID, bug.ExternalType, bug.ExternalID))
		if jsonOutput {
			outputJSON(bug)
			return
		}
		url := ""
		if p, err := reg.Get(bug.ExternalType); err == nil {
			url = p.BugURL(bug.ExternalID)
		}
		fmt.Printf("%s Bucket %d linked to %s %s\n", ui.Icon(ui.IconPass), bucketID, bug.ExternalType, bug.ExternalID)
		if url != "" {
			debug.PrintNormal("  %s\n", ui.RenderMuted(url))
		}
	},
}

var bugUnlinkCmd = &cobra.Command{
	Use:   "unlink <bucket>",
	Short: "Remove a bucket's bug link",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		b, err := current.store.GetBucket(ctx, parseID(args[0], "bucket"))
		if err != nil {
			FatalError("%v", err)
		}
		if b.BugID == nil {
			FatalError("bucket %d has no bug", b.ID)
		}
		b.BugID = nil
		if err := current.svc.UpdateBucket(ctx, b); err != nil {
			FatalError("%v", err)
		}
		current.commit(ctx, fmt.Sprintf("ft: unlink bucket %d", b.ID))
		if jsonOutput {
			outputJSON(b)
			return
		}
		fmt.Printf("%s Bucket %d unlinked\n", ui.Icon(ui.IconPass), b.ID)
	},
}

var bugRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the state of every linked bug from its tracker",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		res, err := bugs.Refresh(ctx, current.store, registry())
		if res == nil {
			FatalError("%v", err)
		}
		if err != nil {
			WarnError("%v", err)
		}
		if len(res.Closed)+len(res.Opened) > 0 {
			current.commit(ctx, "ft: refresh bugs")
		}
		if jsonOutput {
			outputJSON(res)
			return
		}
		for _, b := range res.Closed {
			fmt.Printf("  %s %s %s\n", ui.RenderFail("closed"), b.ExternalType, b.ExternalID)
		}
		for _, b := range res.Opened {
			fmt.Printf("  %s %s %s\n", ui.RenderWarn("reopened"), b.ExternalType, b.ExternalID)
		}
		fmt.Printf("%s %d bugs checked\n", ui.Icon(ui.IconPass), res.Checked)
	},
}

func init() {
	bugLinkCmd.Flags().String("provider", "", "Bug provider (default: detect from the reference)")
	bugCmd.AddCommand(bugLinkCmd, bugUnlinkCmd, bugRefreshCmd)
	rootCmd.AddCommand(bugCmd)
}
