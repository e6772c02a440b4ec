// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Cache is the content-addressed local cache for Hub repository files.
// A Cache is safe for concurrent use; it relies on filesystem-atomic
// renames rather than locks, so independent processes sharing the same
// cache directory are safe too.
type Cache struct {
	fs       afero.Fs
	layout   Layout
	opts     Options
	store    *ContentStore
	index    *RevisionIndex
	resolver *Resolver
	httpc    *http.Client
	log      *zap.Logger
}

// New creates a Cache from options. Zero-value fields are filled with the
// defaults documented on Options.
func New(opts Options) (*Cache, error) {
	if opts.CacheDir == "" {
		def := DefaultOptions()
		opts.CacheDir = def.CacheDir
	}
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("no cache directory configured")
	}
	if opts.Retries <= 0 {
		opts.Retries = 4
	}
	opts.Endpoint = strings.TrimSuffix(defaultString(opts.Endpoint, DefaultEndpoint), "/")

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	layout := Layout{Root: opts.CacheDir}
	metaTimeout := parseDurationDefault(opts.MetadataTimeout, 10*time.Second)

	c := &Cache{
		fs:       fs,
		layout:   layout,
		opts:     opts,
		store:    NewContentStore(fs, layout, log),
		index:    NewRevisionIndex(fs, layout, log, opts.DisableSymlinks),
		resolver: NewResolver(opts.Endpoint, opts.Token, metaTimeout, log),
		httpc:    buildHTTPClient(),
		log:      log,
	}
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.layout.Root
}

// Store exposes the content store, mainly for tests and tooling.
func (c *Cache) Store() *ContentStore {
	return c.store
}

// Get materializes one repository file in the cache and returns the
// snapshot path to it. The returned path always points at verified-correct
// content; partial or unverified files are never exposed.
//
// Repeated calls with unchanged remote state cost at most one metadata
// request and transfer zero bytes. With a commit-shaped revision (or in
// offline mode with a valid ref pointer), a cache hit costs no network
// traffic at all.
func (c *Cache) Get(ctx context.Context, req FileRequest, progress ProgressFunc) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateRequest(&req); err != nil {
		return "", err
	}

	emit := func(ev ProgressEvent) {
		if progress != nil {
			if ev.Time.IsZero() {
				ev.Time = time.Now().UTC()
			}
			if ev.Repo == "" {
				ev.Repo = req.Repo.ID
			}
			if ev.Revision == "" {
				ev.Revision = req.Revision
			}
			progress(ev)
		}
	}

	// Commit-shaped revisions are immutable: an existing snapshot entry is
	// authoritative and needs no network round-trip.
	if IsCommitID(req.Revision) {
		if p, ok := c.snapshotHit(req.Repo, req.Revision, req.Path); ok {
			emit(ProgressEvent{Event: "file_done", Commit: req.Revision, Path: req.Path, Message: "cached"})
			return p, nil
		}
	}

	if c.opts.Offline {
		return c.getOffline(req, emit)
	}

	emit(ProgressEvent{Event: "resolve", Path: req.Path})
	meta, err := c.resolver.FileMetadata(ctx, req.Repo, req.Revision, req.Path)
	if err != nil {
		emit(ProgressEvent{Event: "error", Path: req.Path, Message: err.Error()})
		return "", err
	}

	p, err := c.materialize(ctx, req, meta, emit)
	if err != nil {
		emit(ProgressEvent{Event: "error", Path: req.Path, Message: err.Error()})
		return "", err
	}
	return p, nil
}

// getOffline serves a request from the cache alone. This is an explicit
// policy chosen by the caller, not a best-effort guess: a miss is an error.
func (c *Cache) getOffline(req FileRequest, emit func(ProgressEvent)) (string, error) {
	commit := req.Revision
	if !IsCommitID(commit) {
		hinted, err := c.ReadRef(req.Repo, req.Revision)
		if err != nil {
			return "", fmt.Errorf("%w: no local ref pointer for %s@%s",
				ErrOffline, req.Repo.ID, req.Revision)
		}
		commit = hinted
	}
	if p, ok := c.snapshotHit(req.Repo, commit, req.Path); ok {
		emit(ProgressEvent{Event: "file_done", Commit: commit, Path: req.Path, Message: "cached (offline)"})
		return p, nil
	}
	return "", fmt.Errorf("%w: %s@%s/%s not in cache",
		ErrOffline, req.Repo.ID, req.Revision, req.Path)
}

// materialize ensures blob and snapshot entry exist for resolved metadata
// and returns the snapshot path.
func (c *Cache) materialize(ctx context.Context, req FileRequest, meta *FileMetadata, emit func(ProgressEvent)) (string, error) {
	has, err := c.store.HasBlob(req.Repo, meta.ContentID)
	if err != nil {
		return "", err
	}

	if !has {
		emit(ProgressEvent{Event: "file_start", Commit: meta.CommitID, Path: req.Path, Total: meta.Size})
		f := &fetcher{
			fs:        c.fs,
			layout:    c.layout,
			httpc:     c.httpc,
			token:     c.opts.Token,
			retries:   c.opts.Retries,
			boInitial: parseDurationDefault(c.opts.BackoffInitial, 400*time.Millisecond),
			boMax:     parseDurationDefault(c.opts.BackoffMax, 10*time.Second),
			log:       c.log,
		}
		tmp, err := f.fetch(ctx, fetchSpec{
			repo:     req.Repo,
			path:     req.Path,
			meta:     meta,
			sendAuth: strings.HasPrefix(meta.DownloadURL, c.opts.Endpoint),
			emit:     emit,
		})
		if err != nil {
			return "", err
		}
		if _, err := c.store.FinalizeBlob(req.Repo, meta.ContentID, tmp); err != nil {
			return "", err
		}
		c.log.Info("downloaded blob",
			zap.String("repo", req.Repo.ID),
			zap.String("path", req.Path),
			zap.String("contentId", meta.ContentID),
			zap.Int64("size", meta.Size))
	}

	linkPath, err := c.index.EnsureLink(req.Repo, meta.CommitID, req.Path, meta.ContentID)
	if err != nil {
		return "", err
	}

	// Remember what the mutable revision name resolved to, as a local hint
	// for offline mode. Never written for commit-shaped revisions.
	if !IsCommitID(req.Revision) {
		if err := c.WriteRef(req.Repo, req.Revision, meta.CommitID); err != nil {
			c.log.Warn("failed to write ref pointer",
				zap.String("revision", req.Revision), zap.Error(err))
		}
	}

	msg := ""
	if has {
		msg = "cached"
	}
	emit(ProgressEvent{Event: "file_done", Commit: meta.CommitID, Path: req.Path, Total: meta.Size, Message: msg})
	return linkPath, nil
}

// ResolveCommit resolves a revision for this cache's repository settings,
// honoring offline mode by consulting local ref pointers.
func (c *Cache) ResolveCommit(ctx context.Context, repo RepoRef, revision string) Resolution {
	if IsCommitID(revision) {
		return Resolution{Status: ResolutionFound, CommitID: revision}
	}
	if c.opts.Offline {
		if commit, err := c.ReadRef(repo, revision); err == nil {
			return Resolution{Status: ResolutionFound, CommitID: commit}
		}
		return Resolution{Status: ResolutionUnreachable, Err: ErrOffline}
	}
	res := c.resolver.ResolveCommit(ctx, repo, revision)
	if res.Status == ResolutionFound {
		if err := c.WriteRef(repo, revision, res.CommitID); err != nil {
			c.log.Warn("failed to write ref pointer",
				zap.String("revision", revision), zap.Error(err))
		}
	}
	return res
}

// ReadRef returns the commit a mutable revision name last resolved to.
// Ref pointers are local hints, never authoritative.
func (c *Cache) ReadRef(repo RepoRef, revision string) (string, error) {
	data, err := afero.ReadFile(c.fs, c.layout.RefPath(repo, revision))
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(string(data))
	if !IsCommitID(commit) {
		return "", fmt.Errorf("malformed ref pointer for %q", revision)
	}
	return commit, nil
}

// WriteRef records the commit a mutable revision name resolved to.
func (c *Cache) WriteRef(repo RepoRef, revision, commitID string) error {
	p := c.layout.RefPath(repo, revision)
	if err := c.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(c.fs, p, []byte(commitID), 0o644)
}

// snapshotHit reports whether a usable snapshot entry already exists. A
// symlink entry must resolve to an existing blob; a regular-file entry
// (copy fallback) is self-contained.
func (c *Cache) snapshotHit(repo RepoRef, commitID, relPath string) (string, bool) {
	p := c.layout.SnapshotFilePath(repo, commitID, relPath)
	fi, err := lstat(c.fs, p)
	if err != nil {
		return "", false
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		if _, err := c.fs.Stat(p); err != nil {
			return "", false
		}
		return p, true
	}
	if fi.Mode().IsRegular() {
		return p, true
	}
	return "", false
}

// validateRequest normalizes and validates a FileRequest in place.
func validateRequest(req *FileRequest) error {
	if req.Repo.ID == "" {
		return fmt.Errorf("missing repository ID")
	}
	if !IsValidRepoID(req.Repo.ID) {
		return fmt.Errorf("invalid repo id %q (expected owner/name)", req.Repo.ID)
	}
	if req.Repo.Kind == "" {
		req.Repo.Kind = KindModel
	}
	if req.Revision == "" {
		req.Revision = "main"
	}
	if req.Path == "" {
		return fmt.Errorf("missing file path")
	}
	clean := path.Clean(strings.ReplaceAll(req.Path, "\\", "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return fmt.Errorf("invalid file path %q", req.Path)
	}
	req.Path = clean
	return nil
}
