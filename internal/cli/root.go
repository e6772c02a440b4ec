// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bodaay/HuggingFaceHubCache/pkg/hfcache"
	"github.com/bodaay/HuggingFaceHubCache/pkg/logging"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token    string
	CacheDir string
	Endpoint string
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogLevel string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := newRootCmd(ctx, version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// newRootCmd assembles the command tree. The root itself is not runnable:
// invoking hfcache without a subcommand prints help.
func newRootCmd(ctx context.Context, version string) *cobra.Command {
	ro := &RootOpts{}

	root := &cobra.Command{
		Use:           "hfcache",
		Short:         "Content-addressed local cache for Hugging Face Hub files",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "Hugging Face access token (also reads HF_TOKEN env)")
	root.PersistentFlags().StringVar(&ro.CacheDir, "cache-dir", "", "Cache root directory (also reads HF_HUB_CACHE / HF_HOME env)")
	root.PersistentFlags().StringVar(&ro.Endpoint, "endpoint", "", "Hub endpoint URL (also reads HF_ENDPOINT env)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON output (progress, reports, plans)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal logs)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error, none")

	// Add commands
	root.AddCommand(newDownloadCmd(ctx, ro))
	root.AddCommand(newScanCmd(ctx, ro))
	root.AddCommand(newDeleteCmd(ctx, ro))
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newConfigCmd())

	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// logger builds the zap logger the commands pass down to the library.
func (ro *RootOpts) logger() *zap.Logger {
	level := ro.LogLevel
	if ro.Quiet {
		level = logging.LevelNone
	} else if ro.Verbose {
		level = logging.LevelDebug
	}
	l, err := logging.GetLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q, using info\n", level)
		return logging.MustGetLogger(logging.LevelInfo)
	}
	return l
}

// token returns the effective access token: flag first, then environment.
func (ro *RootOpts) token() string {
	tok := strings.TrimSpace(ro.Token)
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv("HF_TOKEN"))
	}
	return tok
}

// cacheDir returns the effective cache root, resolving environment defaults
// when no flag was given.
func (ro *RootOpts) cacheDir() string {
	if ro.CacheDir != "" {
		return ro.CacheDir
	}
	return hfcache.DefaultOptions().CacheDir
}

// repoRef builds a RepoRef from a positional repo argument and kind flags.
func repoRef(id string, dataset, space bool) (hfcache.RepoRef, error) {
	ref := hfcache.RepoRef{ID: id, Kind: hfcache.KindModel}
	if dataset && space {
		return ref, fmt.Errorf("--dataset and --space are mutually exclusive")
	}
	if dataset {
		ref.Kind = hfcache.KindDataset
	}
	if space {
		ref.Kind = hfcache.KindSpace
	}
	if !hfcache.IsValidRepoID(id) {
		return ref, fmt.Errorf("invalid repo id %q (expected owner/name)", id)
	}
	return ref, nil
}

// applyConfigDefaults layers config-file values under flags the user did not
// set. Explicit flags always win.
func applyConfigDefaults(cmd *cobra.Command, ro *RootOpts) error {
	path := ro.Config
	if path == "" {
		home, _ := os.UserHomeDir()
		// Try JSON first, then YAML
		jsonPath := filepath.Join(home, ".config", "hfcache.json")
		yamlPath := filepath.Join(home, ".config", "hfcache.yaml")
		ymlPath := filepath.Join(home, ".config", "hfcache.yml")

		if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(ymlPath); err == nil {
			path = ymlPath
		}
	}
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg map[string]any

	// Parse based on file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default: // .json or unknown
		if err := json.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}

	setStr("cache-dir", func(v string) { ro.CacheDir = v })
	setStr("endpoint", func(v string) { ro.Endpoint = v })

	if !cmd.Flags().Changed("token") && os.Getenv("HF_TOKEN") == "" {
		if v, ok := cfg["token"]; ok && v != nil {
			ro.Token = fmt.Sprint(v)
		}
	}

	return nil
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) hfcache.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev hfcache.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}
