// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bodaay/HuggingFaceHubCache/pkg/hfcache"
)

func newDeleteCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var (
		dataset bool
		space   bool
		yes     bool
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "delete REPO COMMIT [COMMIT...]",
		Short: "Delete cached revisions, keeping blobs other revisions share",
		Long: `Removes the named revisions of a repository from the cache. Blobs still
referenced by a surviving revision are kept; immediately before each blob
removal the remaining snapshots are re-checked, so the cache is never left
with dangling links.`,
		Args: cobra.MinimumNArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repoRef(args[0], dataset, space)
			if err != nil {
				return err
			}
			commits := args[1:]

			log := ro.logger()
			defer log.Sync()

			fs := afero.NewOsFs()
			root := ro.cacheDir()

			report, err := hfcache.ScanCache(ctx, fs, root, log)
			if err != nil {
				return err
			}
			repoReport := findRepo(report, repo)
			if repoReport == nil {
				return fmt.Errorf("repository %s not present in cache %s", repo.ID, root)
			}

			plan, err := hfcache.PlanDeletion(repoReport, commits)
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(plan); err != nil {
					return err
				}
			} else {
				printPlan(plan)
			}
			if dryRun {
				return nil
			}

			if !yes && !confirm("Proceed?") {
				fmt.Println("aborted")
				return nil
			}

			if err := hfcache.ExecutePlan(ctx, fs, root, plan, log); err != nil {
				return err
			}
			if !ro.Quiet && !ro.JSONOut {
				color.Green("Freed about %s.", units.HumanSize(float64(plan.ExpectedFreed)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dataset, "dataset", false, "Treat repo as a dataset")
	cmd.Flags().BoolVar(&space, "space", false, "Treat repo as a space")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan and exit without deleting")

	return cmd
}

func findRepo(report *hfcache.CacheReport, repo hfcache.RepoRef) *hfcache.RepoReport {
	for i := range report.Repos {
		if report.Repos[i].Repo == repo {
			return &report.Repos[i]
		}
	}
	return nil
}

func printPlan(plan *hfcache.DeletionPlan) {
	bold := color.New(color.Bold)
	bold.Printf("Deletion plan for %s:\n", plan.Repo.ID)
	for _, c := range plan.Commits {
		fmt.Printf("  snapshot %s\n", c)
	}
	for _, r := range plan.Refs {
		fmt.Printf("  ref      %s\n", r)
	}
	for _, b := range plan.Blobs {
		fmt.Printf("  blob     %s\n", shortCommit(b))
	}
	fmt.Printf("Expected to free: %s\n", units.HumanSize(float64(plan.ExpectedFreed)))
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
