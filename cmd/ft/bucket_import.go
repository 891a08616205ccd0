package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/bugs"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/types"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

// manifest is a TOML file describing buckets to create:
//
//	[[bucket]]
//	description = "heap-use-after-free in nsFoo::Bar"
//	signature-file = "sigs/1234.json"
//	frequent = true
//	bug = "https://github.com/org/repo/issues/12"
type manifest struct {
	Buckets []manifestBucket `toml:"bucket"`
}

type manifestBucket struct {
	Description   string `toml:"description"`
	Signature     string `toml:"signature"`
	SignatureFile string `toml:"signature-file"`
	Frequent      bool   `toml:"frequent"`
	Permanent     bool   `toml:"permanent"`
	DoNotReduce   bool   `toml:"do-not-reduce"`
	Bug           string `toml:"bug"`
}

// parseManifest decodes a manifest and resolves signature files relative
// to baseDir. Every signature is validated before anything is created.
func parseManifest(data, baseDir string) ([]manifestBucket, error) {
	var m manifest
	md, err := toml.Decode(data, &m)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown manifest keys: %s", strings.Join(keys, ", "))
	}
	if len(m.Buckets) == 0 {
		return nil, fmt.Errorf("manifest has no [[bucket]] entries")
	}
	for i := range m.Buckets {
		b := &m.Buckets[i]
		switch {
		case b.Signature != "" && b.SignatureFile != "":
			return nil, fmt.Errorf("bucket %d: signature and signature-file are mutually exclusive", i+1)
		case b.SignatureFile != "":
			path := b.SignatureFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			content, err := os.ReadFile(path) // #nosec G304 - manifest supplied path
			if err != nil {
				return nil, fmt.Errorf("bucket %d: %w", i+1, err)
			}
			b.Signature = string(content)
			b.SignatureFile = ""
		case b.Signature == "":
			return nil, fmt.Errorf("bucket %d: signature is required", i+1)
		}
		if _, err := signature.Parse(b.Signature); err != nil {
			return nil, fmt.Errorf("bucket %d: %w", i+1, err)
		}
	}
	return m.Buckets, nil
}

func (mb manifestBucket) bucket() *types.Bucket {
	return &types.Bucket{
		Signature:        mb.Signature,
		ShortDescription: mb.Description,
		Frequent:         mb.Frequent,
		Permanent:        mb.Permanent,
		DoNotReduce:      mb.DoNotReduce,
	}
}

var bucketImportCmd = &cobra.Command{
	Use:   "import <manifest.toml>",
	Short: "Create buckets from a TOML manifest",
	Long: `Create the buckets listed in a TOML manifest. Each [[bucket]] table takes
description, signature or signature-file, frequent, permanent,
do-not-reduce and an optional bug reference to link.

With --apply each new bucket is reassigned right after it is created.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		data, err := os.ReadFile(args[0]) // #nosec G304 - user supplied manifest
		if err != nil {
			FatalError("%v", err)
		}
		entries, err := parseManifest(string(data), filepath.Dir(args[0]))
		if err != nil {
			FatalError("%v", err)
		}
		apply, _ := cmd.Flags().GetBool("apply")

		var reg *bugs.Registry
		type imported struct {
			Bucket   *types.Bucket    `json:"bucket"`
			Bug      *types.Bug       `json:"bugRef,omitempty"`
			Reassign *reassign.Result `json:"reassign,omitempty"`
		}
		out := make([]imported, 0, len(entries))
		for _, e := range entries {
			b := e.bucket()
			if err := current.svc.CreateBucket(ctx, b); err != nil {
				FatalError("%v", err)
			}
			item := imported{Bucket: b}
			if e.Bug != "" {
				if reg == nil {
					reg = registry()
				}
				if item.Bug, err = bugs.Link(ctx, current.store, reg, b.ID, "", e.Bug); err != nil {
					WarnError("%v", err)
				}
			}
			if apply {
				item.Reassign = applyReassign(ctx, current, b.ID)
			}
			out = append(out, item)
		}
		current.triager.Refresh()
		debug.LogEvent("BUCKET_IMPORT", args[0], fmt.Sprintf("buckets=%d", len(out)))
		current.commit(ctx, fmt.Sprintf("ft: import %d buckets", len(out)))

		if jsonOutput {
			outputJSON(out)
			return
		}
		for _, item := range out {
			line := fmt.Sprintf("  %d %s", item.Bucket.ID, item.Bucket.ShortDescription)
			if item.Reassign != nil {
				line += ui.RenderMuted(fmt.Sprintf(" (%s crashes)", count(item.Reassign.InCount)))
			}
			fmt.Println(line)
		}
		fmt.Printf("%s Imported %d buckets\n", ui.Icon(ui.IconPass), len(out))
	},
}

func init() {
	bucketImportCmd.Flags().Bool("apply", false, "Reassign each bucket after creating it")
	bucketCmd.AddCommand(bucketImportCmd)
}
