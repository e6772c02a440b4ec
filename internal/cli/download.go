// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/bodaay/HuggingFaceHubCache/pkg/hfcache"
)

func newDownloadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var (
		revision       string
		dataset        bool
		space          bool
		offline        bool
		noSymlinks     bool
		retries        int
		backoffInitial string
		backoffMax     string
	)

	cmd := &cobra.Command{
		Use:   "download REPO PATH [PATH...]",
		Short: "Materialize repository files in the local cache",
		Long: `Downloads one or more files from a Hub repository into the shared local
cache and prints the cached path of each. Files already present cost at most
one metadata request; identical content across revisions is stored once.`,
		Args: cobra.MinimumNArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repoRef(args[0], dataset, space)
			if err != nil {
				return err
			}

			log := ro.logger()
			defer log.Sync()

			cache, err := hfcache.New(hfcache.Options{
				CacheDir:        ro.cacheDir(),
				Endpoint:        ro.Endpoint,
				Token:           ro.token(),
				Offline:         offline,
				DisableSymlinks: noSymlinks,
				Retries:         retries,
				BackoffInitial:  backoffInitial,
				BackoffMax:      backoffMax,
				Logger:          log,
			})
			if err != nil {
				return err
			}

			var progress hfcache.ProgressFunc
			if ro.JSONOut {
				progress = jsonProgress(os.Stdout)
			} else if !ro.Quiet {
				progress = barProgress()
			}

			for _, path := range args[1:] {
				p, err := cache.Get(ctx, hfcache.FileRequest{
					Repo:     repo,
					Revision: revision,
					Path:     path,
				}, progress)
				if err != nil {
					return err
				}
				fmt.Println(p)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&revision, "revision", "b", "main", "Revision to fetch: branch, tag, or commit SHA")
	cmd.Flags().BoolVar(&dataset, "dataset", false, "Treat repo as a dataset")
	cmd.Flags().BoolVar(&space, "space", false, "Treat repo as a space")
	cmd.Flags().BoolVar(&offline, "offline", false, "Serve from the cache only, no network requests (also reads HF_HUB_OFFLINE env)")
	cmd.Flags().BoolVar(&noSymlinks, "no-symlinks", false, "Copy blobs into snapshots instead of symlinking")
	cmd.Flags().IntVar(&retries, "retries", 4, "Max retry attempts per transfer")
	cmd.Flags().StringVar(&backoffInitial, "backoff-initial", "400ms", "Initial retry backoff duration")
	cmd.Flags().StringVar(&backoffMax, "backoff-max", "10s", "Maximum retry backoff duration")

	return cmd
}

// barProgress renders one progress bar per file on an interactive terminal.
func barProgress() hfcache.ProgressFunc {
	var (
		mu  sync.Mutex
		bar *pb.ProgressBar
	)
	finish := func() {
		if bar != nil {
			bar.Finish()
			bar = nil
		}
	}
	return func(ev hfcache.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Event {
		case "file_start":
			finish()
			fmt.Printf("downloading %s@%s %s\n", ev.Repo, ev.Revision, ev.Path)
			if ev.Total > 0 {
				bar = pb.Full.Start64(ev.Total)
				bar.Set(pb.Bytes, true)
			}
		case "file_progress":
			if bar != nil {
				bar.SetCurrent(ev.Downloaded)
			}
		case "retry":
			fmt.Fprintf(os.Stderr, "retry %s (attempt %d): %s\n", ev.Path, ev.Attempt, ev.Message)
		case "file_done":
			finish()
			if ev.Message != "" {
				fmt.Printf("%s: %s\n", ev.Message, ev.Path)
			}
		case "error":
			finish()
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Message)
		}
	}
}
