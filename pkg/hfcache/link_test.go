// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestRevisionIndex_Symlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink support varies on windows")
	}
	fs := afero.NewOsFs()
	layout := Layout{Root: t.TempDir()}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	sha := strings.Repeat("ab", 32)
	commit := strings.Repeat("12", 20)

	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, layout.BlobPath(repo, sha), []byte("blob bytes"), 0o644))

	ix := NewRevisionIndex(fs, layout, nil, false)
	linkPath, err := ix.EnsureLink(repo, commit, "onnx/model.onnx", sha)
	require.NoError(t, err)
	require.Equal(t, layout.SnapshotFilePath(repo, commit, "onnx/model.onnx"), linkPath)

	// The entry is a relative symlink into the blob area.
	fi, err := os.Lstat(linkPath)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSymlink)

	target, err := os.Readlink(linkPath)
	require.NoError(t, err)
	require.False(t, filepath.IsAbs(target))
	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	require.Equal(t, layout.BlobPath(repo, sha), resolved)

	// Reading through the link yields the blob content.
	data, err := os.ReadFile(linkPath)
	require.NoError(t, err)
	require.Equal(t, "blob bytes", string(data))
}

func TestRevisionIndex_EnsureLink_Idempotent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink support varies on windows")
	}
	fs := afero.NewOsFs()
	layout := Layout{Root: t.TempDir()}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	sha := strings.Repeat("cd", 32)
	commit := strings.Repeat("34", 20)

	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, layout.BlobPath(repo, sha), []byte("x"), 0o644))

	ix := NewRevisionIndex(fs, layout, nil, false)
	p1, err := ix.EnsureLink(repo, commit, "config.json", sha)
	require.NoError(t, err)

	before, err := os.Lstat(p1)
	require.NoError(t, err)

	p2, err := ix.EnsureLink(repo, commit, "config.json", sha)
	require.NoError(t, err)
	require.Equal(t, p1, p2)

	// True no-op: the entry was not recreated.
	after, err := os.Lstat(p1)
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime())
}

func TestRevisionIndex_ReplacesStaleEntry(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink support varies on windows")
	}
	fs := afero.NewOsFs()
	layout := Layout{Root: t.TempDir()}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	oldSha := strings.Repeat("aa", 32)
	newSha := strings.Repeat("bb", 32)
	commit := strings.Repeat("56", 20)

	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, layout.BlobPath(repo, oldSha), []byte("old"), 0o644))
	require.NoError(t, afero.WriteFile(fs, layout.BlobPath(repo, newSha), []byte("new"), 0o644))

	ix := NewRevisionIndex(fs, layout, nil, false)
	_, err := ix.EnsureLink(repo, commit, "weights.bin", oldSha)
	require.NoError(t, err)

	linkPath, err := ix.EnsureLink(repo, commit, "weights.bin", newSha)
	require.NoError(t, err)

	data, err := os.ReadFile(linkPath)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}

func TestRevisionIndex_CopyFallback(t *testing.T) {
	// The in-memory filesystem has no symlinks, forcing the copy path.
	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	sha := strings.Repeat("ef", 32)
	commit := strings.Repeat("78", 20)

	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, layout.BlobPath(repo, sha), []byte("copied bytes"), 0o644))

	ix := NewRevisionIndex(fs, layout, nil, false)
	linkPath, err := ix.EnsureLink(repo, commit, "config.json", sha)
	require.NoError(t, err)

	fi, err := fs.Stat(linkPath)
	require.NoError(t, err)
	require.True(t, fi.Mode().IsRegular())

	data, err := afero.ReadFile(fs, linkPath)
	require.NoError(t, err)
	require.Equal(t, "copied bytes", string(data))

	// Idempotent on the copy path too.
	_, err = ix.EnsureLink(repo, commit, "config.json", sha)
	require.NoError(t, err)

	// No staging leftovers next to the entry.
	entries, err := afero.ReadDir(fs, filepath.Dir(linkPath))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRevisionIndex_DisableSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink support varies on windows")
	}
	fs := afero.NewOsFs()
	layout := Layout{Root: t.TempDir()}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	sha := strings.Repeat("09", 32)
	commit := strings.Repeat("90", 20)

	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, layout.BlobPath(repo, sha), []byte("z"), 0o644))

	ix := NewRevisionIndex(fs, layout, nil, true)
	linkPath, err := ix.EnsureLink(repo, commit, "config.json", sha)
	require.NoError(t, err)

	fi, err := os.Lstat(linkPath)
	require.NoError(t, err)
	require.Zero(t, fi.Mode()&os.ModeSymlink)
	require.True(t, fi.Mode().IsRegular())
}
