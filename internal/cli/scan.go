// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bodaay/HuggingFaceHubCache/pkg/hfcache"
)

func newScanCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Inspect the cache: repositories, revisions, sizes, and problems",
		Long: `Walks the cache directory and reports every repository with its revisions
and disk usage, plus any problems found: orphaned blobs, dangling snapshot
links, abandoned partial downloads, and stray files. The report is built
from the filesystem alone, so it reflects reality even after crashes.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log := ro.logger()
			defer log.Sync()

			report, err := hfcache.ScanCache(ctx, afero.NewOsFs(), ro.cacheDir(), log)
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			printReport(report)
			return nil
		},
	}
	return cmd
}

func printReport(report *hfcache.CacheReport) {
	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	bold.Printf("Cache: %s\n", report.Root)
	fmt.Printf("Size on disk: %s across %d repositories\n\n",
		units.HumanSize(float64(report.SizeOnDisk)), len(report.Repos))

	for _, repo := range report.Repos {
		bold.Printf("%s (%s)\n", repo.Repo.ID, repo.Repo.Kind)
		fmt.Printf("  size: %s   blobs: %d   last modified: %s\n",
			units.HumanSize(float64(repo.SizeOnDisk)), len(repo.Blobs),
			repo.LastModified.Format("2006-01-02 15:04"))
		for _, rev := range repo.Revisions {
			refs := ""
			if len(rev.Refs) > 0 {
				refs = " <- " + joinComma(rev.Refs)
			}
			fmt.Printf("  %s  %3d files  %9s%s\n",
				shortCommit(rev.CommitID), rev.FileCount,
				units.HumanSize(float64(rev.SizeOnDisk)), refs)
		}
		if len(repo.OrphanBlobs) > 0 {
			dim.Printf("  %d orphaned blob(s)\n", len(repo.OrphanBlobs))
		}
		fmt.Println()
	}

	if len(report.Findings) == 0 {
		color.Green("No problems found.")
		return
	}
	bold.Printf("Findings (%d):\n", len(report.Findings))
	for _, f := range report.Findings {
		c := findingColor(f.Kind)
		detail := f.Detail
		if detail != "" {
			detail = " (" + detail + ")"
		}
		c.Printf("  [%s] %s%s\n", f.Kind, f.Path, detail)
	}
}

func findingColor(kind hfcache.FindingKind) *color.Color {
	switch kind {
	case hfcache.FindingDanglingLink, hfcache.FindingWalkError:
		return color.New(color.FgRed)
	case hfcache.FindingOrphanBlob, hfcache.FindingIncomplete:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgBlue)
	}
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func joinComma(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out
}
