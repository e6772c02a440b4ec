// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// RepoKind identifies the class of a Hub repository. It selects both the
// API route used for resolution and the prefix of the repository's cache
// directory name.
type RepoKind string

const (
	// KindModel is a model repository (the default).
	KindModel RepoKind = "model"

	// KindDataset is a dataset repository.
	KindDataset RepoKind = "dataset"

	// KindSpace is a space repository.
	KindSpace RepoKind = "space"
)

// plural returns the API/cache-directory prefix for the kind.
// An empty or unknown kind is treated as a model.
func (k RepoKind) plural() string {
	switch k {
	case KindDataset:
		return "datasets"
	case KindSpace:
		return "spaces"
	default:
		return "models"
	}
}

// RepoRef identifies one repository on the Hub.
//
// ID is either "owner/name" or a bare "name" for repositories that live in
// the root namespace (e.g. "gpt2"). Kind defaults to KindModel when empty.
type RepoRef struct {
	ID   string
	Kind RepoKind
}

// FolderName encodes the reference into a filesystem-safe cache directory
// name, e.g. {ID: "acme/widgets", Kind: KindModel} -> "models--acme--widgets".
//
// The Hub forbids "--" inside owner and repository names, so the encoding
// cannot collide across kinds or namespaces.
func (r RepoRef) FolderName() string {
	return r.Kind.plural() + "--" + strings.ReplaceAll(r.ID, "/", "--")
}

// String returns a human-readable "kind/owner/name" form.
func (r RepoRef) String() string {
	k := r.Kind
	if k == "" {
		k = KindModel
	}
	return string(k) + "/" + r.ID
}

// IsValidRepoID checks that a repository ID is a bare name or "owner/name".
func IsValidRepoID(id string) bool {
	if id == "" || strings.Contains(id, "--") {
		return false
	}
	parts := strings.Split(id, "/")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return false
		}
	}
	return true
}

// FileRequest describes one file to materialize in the cache.
//
// Example:
//
//	req := hfcache.FileRequest{
//	    Repo:     hfcache.RepoRef{ID: "acme/widgets"},
//	    Revision: "main",
//	    Path:     "config.json",
//	}
type FileRequest struct {
	// Repo is the repository the file belongs to. Required.
	Repo RepoRef

	// Revision is the branch, tag, or commit SHA to read the file at.
	// If empty, defaults to "main".
	Revision string

	// Path is the file path relative to the repository root,
	// e.g. "config.json" or "onnx/decoder_model.onnx". Required.
	Path string
}

// Options configures a Cache.
//
// All fields have sensible defaults; DefaultOptions additionally seeds them
// from the conventional environment variables. The zero value works for
// tests that inject their own filesystem and endpoint.
type Options struct {
	// CacheDir is the cache root directory that holds one subdirectory per
	// repository. If empty, defaults to "huggingface/hub" under the user
	// cache directory.
	CacheDir string

	// Endpoint is the Hub base URL. If empty, defaults to
	// "https://huggingface.co".
	Endpoint string

	// Token is the access token for private or gated repos.
	Token string

	// Offline disables all network access. Requests are served from the
	// cache alone: commit-shaped revisions and local ref pointers are the
	// only ways to locate a snapshot, and a miss is an error, never a
	// best-effort guess.
	Offline bool

	// DisableSymlinks forces snapshot entries to be full copies of blobs
	// even when the filesystem supports symlinks. Useful when handing a
	// snapshot tree to tools that cannot follow links.
	DisableSymlinks bool

	// Retries is the maximum number of retry attempts per transfer.
	// If <= 0, defaults to 4.
	Retries int

	// BackoffInitial is the initial delay before the first retry.
	// Accepts duration strings: "400ms", "1s". If empty, defaults to "400ms".
	BackoffInitial string

	// BackoffMax is the maximum delay between retries.
	// If empty, defaults to "10s".
	BackoffMax string

	// MetadataTimeout bounds a single resolution/metadata request. It is
	// deliberately much shorter than a download is allowed to take, since
	// it only gates whether a transfer can start.
	// If empty, defaults to "10s".
	MetadataTimeout string

	// Logger receives structured diagnostics. If nil, logging is disabled.
	Logger *zap.Logger

	// Fs is the filesystem the cache lives on. If nil, the OS filesystem
	// is used. Tests inject afero.NewMemMapFs().
	Fs afero.Fs
}

// DefaultOptions returns Options seeded from the environment, read once:
//
//   - HF_HUB_CACHE or HF_HOME/hub: cache directory
//   - HF_ENDPOINT: hub base URL
//   - HF_TOKEN: access token
//   - HF_HUB_OFFLINE: offline mode ("1", "true", "yes")
//   - HF_HUB_DISABLE_SYMLINKS: copy fallback even when symlinks work
func DefaultOptions() Options {
	o := Options{
		Endpoint:        os.Getenv("HF_ENDPOINT"),
		Token:           os.Getenv("HF_TOKEN"),
		Offline:         envBool("HF_HUB_OFFLINE"),
		DisableSymlinks: envBool("HF_HUB_DISABLE_SYMLINKS"),
		Retries:         4,
		BackoffInitial:  "400ms",
		BackoffMax:      "10s",
		MetadataTimeout: "10s",
	}
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		o.CacheDir = dir
	} else if home := os.Getenv("HF_HOME"); home != "" {
		o.CacheDir = filepath.Join(home, "hub")
	} else if ucd, err := os.UserCacheDir(); err == nil {
		o.CacheDir = filepath.Join(ucd, "huggingface", "hub")
	}
	return o
}

// ProgressEvent represents a progress update while materializing a file.
//
// The Event field indicates the type of event:
//   - "resolve": revision/metadata resolution has started
//   - "file_start": byte transfer has started
//   - "file_progress": periodic progress update during transfer
//   - "retry": a retry attempt is being made
//   - "file_done": the file is available (check Message for "cached" hits)
//   - "error": an error occurred
type ProgressEvent struct {
	// Time is when the event occurred (UTC).
	Time time.Time `json:"time"`

	// Event is the event type identifier.
	Event string `json:"event"`

	// Repo is the repository being processed.
	Repo string `json:"repo,omitempty"`

	// Revision is the revision as requested by the caller.
	Revision string `json:"revision,omitempty"`

	// Commit is the resolved commit SHA, once known.
	Commit string `json:"commit,omitempty"`

	// Path is the file path within the repository.
	Path string `json:"path,omitempty"`

	// Downloaded is the cumulative bytes written so far.
	Downloaded int64 `json:"downloaded,omitempty"`

	// Total is the total expected size in bytes.
	Total int64 `json:"total,omitempty"`

	// Attempt is the retry attempt number (1-based), in "retry" events.
	Attempt int `json:"attempt,omitempty"`

	// Message carries additional context or error details.
	Message string `json:"message,omitempty"`
}

// ProgressFunc is a callback for receiving progress events. It may be
// invoked from multiple goroutines and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)
