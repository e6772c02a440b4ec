// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// RevisionIndex maintains the per-commit snapshot trees: directory trees
// mirroring the repository's paths whose leaves reference blobs in the
// ContentStore.
//
// References are relative symlinks when the filesystem supports them, and
// full copies otherwise (or when the caller disabled symlinks). The copy
// fallback silently loses deduplication and the "do not edit cached files"
// safety property, so the first copy per process logs a warning.
type RevisionIndex struct {
	fs       afero.Fs
	layout   Layout
	log      *zap.Logger
	disabled bool

	probeOnce  sync.Once
	canSymlink bool
	copyWarn   sync.Once
}

// NewRevisionIndex creates an index over the given filesystem and layout.
// When disableSymlinks is true, snapshot entries are always copies.
func NewRevisionIndex(fs afero.Fs, layout Layout, log *zap.Logger, disableSymlinks bool) *RevisionIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &RevisionIndex{fs: fs, layout: layout, log: log, disabled: disableSymlinks}
}

// SnapshotRoot returns the snapshot directory for a commit. Pure path
// computation, no I/O.
func (ix *RevisionIndex) SnapshotRoot(repo RepoRef, commitID string) string {
	return ix.layout.SnapshotRoot(repo, commitID)
}

// symlinksSupported probes the filesystem once: it attempts to create a
// symlink in the cache root and caches the outcome. Filesystems that do not
// implement symlinks at all (afero memfs) and OSes that refuse them
// (Windows without developer mode) both fail the probe.
func (ix *RevisionIndex) symlinksSupported() bool {
	ix.probeOnce.Do(func() {
		if ix.disabled {
			return
		}
		linker, ok := ix.fs.(afero.Linker)
		if !ok {
			return
		}
		if err := ix.fs.MkdirAll(ix.layout.Root, 0o755); err != nil {
			return
		}
		probe := filepath.Join(ix.layout.Root, ".symlink-probe-"+ksuid.New().String())
		if err := linker.SymlinkIfPossible("probe-target", probe); err != nil {
			ix.log.Debug("symlink probe failed, falling back to copies", zap.Error(err))
			return
		}
		_ = ix.fs.Remove(probe)
		ix.canSymlink = true
	})
	return ix.canSymlink
}

// EnsureLink idempotently creates the snapshot entry for path at commitID,
// referencing the blob for contentID. Re-requesting an entry that already
// references the right blob is a true no-op: no filesystem writes happen.
// Returns the snapshot entry path.
func (ix *RevisionIndex) EnsureLink(repo RepoRef, commitID, path, contentID string) (string, error) {
	linkPath := ix.layout.SnapshotFilePath(repo, commitID, path)
	blobPath := ix.layout.BlobPath(repo, contentID)

	if ok, err := ix.linkUpToDate(linkPath, blobPath); err != nil {
		return "", err
	} else if ok {
		return linkPath, nil
	}

	if err := ix.fs.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return "", fmt.Errorf("ensuring snapshot directory: %w", err)
	}
	// A stale entry (e.g. from a previous partial reclaim) is replaced.
	if _, err := lstat(ix.fs, linkPath); err == nil {
		_ = ix.fs.Remove(linkPath)
	}

	if ix.symlinksSupported() {
		target, err := filepath.Rel(filepath.Dir(linkPath), blobPath)
		if err != nil {
			return "", err
		}
		linker := ix.fs.(afero.Linker)
		if err := linker.SymlinkIfPossible(target, linkPath); err != nil {
			// Another process may have linked the same entry concurrently.
			if ok, uerr := ix.linkUpToDate(linkPath, blobPath); uerr == nil && ok {
				return linkPath, nil
			}
			return "", fmt.Errorf("linking snapshot entry %q: %w", linkPath, err)
		}
		return linkPath, nil
	}

	ix.copyWarn.Do(func() {
		ix.log.Warn("symlinks unavailable, duplicating blobs into snapshots; "+
			"cached files lose deduplication and must not be edited in place",
			zap.String("cache", ix.layout.Root))
	})
	if err := ix.copyBlob(blobPath, linkPath); err != nil {
		return "", err
	}
	return linkPath, nil
}

// linkUpToDate reports whether the snapshot entry already references the
// blob: either a symlink resolving to it, or (copy fallback) a regular file
// of the same size.
func (ix *RevisionIndex) linkUpToDate(linkPath, blobPath string) (bool, error) {
	fi, err := lstat(ix.fs, linkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		reader, ok := ix.fs.(afero.LinkReader)
		if !ok {
			return false, nil
		}
		target, err := reader.ReadlinkIfPossible(linkPath)
		if err != nil {
			return false, nil
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(linkPath), target)
		}
		return filepath.Clean(target) == filepath.Clean(blobPath), nil
	}

	if fi.Mode().IsRegular() {
		bi, err := ix.fs.Stat(blobPath)
		if err != nil {
			return false, nil
		}
		return fi.Size() == bi.Size(), nil
	}
	return false, nil
}

// copyBlob duplicates a blob into the snapshot tree through a staging file
// so a crash mid-copy never leaves a truncated entry in place.
func (ix *RevisionIndex) copyBlob(blobPath, linkPath string) error {
	src, err := ix.fs.Open(blobPath)
	if err != nil {
		return err
	}
	defer src.Close()

	stage := linkPath + ".copy-" + ksuid.New().String()
	dst, err := ix.fs.OpenFile(stage, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = ix.fs.Remove(stage)
		return fmt.Errorf("copying blob into snapshot: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = ix.fs.Remove(stage)
		return err
	}
	if err := ix.fs.Rename(stage, linkPath); err != nil {
		_ = ix.fs.Remove(stage)
		return err
	}
	return nil
}

// lstat stats without following symlinks on filesystems that support it,
// and falls back to Stat elsewhere.
func lstat(fs afero.Fs, name string) (os.FileInfo, error) {
	if ls, ok := fs.(afero.Lstater); ok {
		fi, _, err := ls.LstatIfPossible(name)
		return fi, err
	}
	return fs.Stat(name)
}
