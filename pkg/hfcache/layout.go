// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// Layout computes every on-disk location the cache uses. All methods are
// pure path math; no I/O happens here. The layout is a compatibility
// surface and must remain stable across versions:
//
//	<root>/
//	  models--acme--widgets/
//	    blobs/<encoded content id>
//	    blobs/<encoded content id>.<run id>.incomplete        (in progress)
//	    blobs/<encoded content id>.<run id>.incomplete.meta   (sidecar)
//	    snapshots/<commit>/<repo path>   -> ../../blobs/<encoded content id>
//	    refs/<revision>                  (last resolved commit, local hint)
type Layout struct {
	// Root is the cache root directory.
	Root string
}

const (
	blobsDirName     = "blobs"
	snapshotsDirName = "snapshots"
	refsDirName      = "refs"

	// incompleteSuffix marks in-progress blob downloads. The scanner must
	// never count files carrying it as valid blobs.
	incompleteSuffix = ".incomplete"

	// incompleteMetaSuffix marks the JSON sidecar of an in-progress blob.
	incompleteMetaSuffix = ".incomplete.meta"
)

var (
	commitRe = regexp.MustCompile(`^[0-9a-f]{40}$`)
	hexIDRe  = regexp.MustCompile(`^[0-9a-f]{8,128}$`)
)

// IsCommitID reports whether a revision string is a full-length commit SHA.
// Such revisions are trusted as-is and never require a network round-trip.
func IsCommitID(revision string) bool {
	return commitRe.MatchString(revision)
}

// EncodeContentID turns a content identifier (a sha256 digest or an ETag
// value) into a filesystem-safe blob name. Hex-shaped identifiers are used
// as-is; anything else is hex-encoded behind an "x-" prefix so the two
// forms can never collide (raw hex never starts with "x-").
func EncodeContentID(id string) string {
	lower := strings.ToLower(id)
	if hexIDRe.MatchString(lower) {
		return lower
	}
	return "x-" + hex.EncodeToString([]byte(id))
}

// isStrongHash reports whether a content identifier is a sha256 digest the
// fetcher can verify bytes against. Weak validators (versioned ETags of
// non-LFS files) only support size checks.
func isStrongHash(id string) bool {
	return len(id) == 64 && hexIDRe.MatchString(strings.ToLower(id))
}

// RepoDir returns the root directory of one repository's cache entry.
func (l Layout) RepoDir(repo RepoRef) string {
	return filepath.Join(l.Root, repo.FolderName())
}

// BlobsDir returns the blob-storage area of a repository.
func (l Layout) BlobsDir(repo RepoRef) string {
	return filepath.Join(l.RepoDir(repo), blobsDirName)
}

// BlobPath returns the canonical location of the blob for a content
// identifier.
func (l Layout) BlobPath(repo RepoRef, contentID string) string {
	return filepath.Join(l.BlobsDir(repo), EncodeContentID(contentID))
}

// IncompletePath returns the temp location an in-flight fetch writes to.
// The run ID keeps concurrent fetchers from ever sharing a temp file.
func (l Layout) IncompletePath(repo RepoRef, contentID, runID string) string {
	return l.BlobPath(repo, contentID) + "." + runID + incompleteSuffix
}

// SnapshotsDir returns the snapshots area of a repository.
func (l Layout) SnapshotsDir(repo RepoRef) string {
	return filepath.Join(l.RepoDir(repo), snapshotsDirName)
}

// SnapshotRoot returns the directory mirroring the repository tree at one
// commit.
func (l Layout) SnapshotRoot(repo RepoRef, commitID string) string {
	return filepath.Join(l.SnapshotsDir(repo), commitID)
}

// SnapshotFilePath returns the snapshot entry for a repository-relative
// file path at one commit.
func (l Layout) SnapshotFilePath(repo RepoRef, commitID, path string) string {
	return filepath.Join(l.SnapshotRoot(repo, commitID), filepath.FromSlash(path))
}

// RefsDir returns the ref-pointer area of a repository.
func (l Layout) RefsDir(repo RepoRef) string {
	return filepath.Join(l.RepoDir(repo), refsDirName)
}

// RefPath returns the ref-pointer file for a mutable revision name.
// Revision names may contain slashes (e.g. "refs/pr/1") and map to nested
// files.
func (l Layout) RefPath(repo RepoRef, revision string) string {
	return filepath.Join(l.RefsDir(repo), filepath.FromSlash(revision))
}

// ParseFolderName decodes a repository cache directory name back into a
// RepoRef. Returns false for directories that do not follow the layout.
func ParseFolderName(name string) (RepoRef, bool) {
	var kind RepoKind
	var rest string
	switch {
	case strings.HasPrefix(name, "models--"):
		kind, rest = KindModel, strings.TrimPrefix(name, "models--")
	case strings.HasPrefix(name, "datasets--"):
		kind, rest = KindDataset, strings.TrimPrefix(name, "datasets--")
	case strings.HasPrefix(name, "spaces--"):
		kind, rest = KindSpace, strings.TrimPrefix(name, "spaces--")
	default:
		return RepoRef{}, false
	}
	if rest == "" {
		return RepoRef{}, false
	}
	parts := strings.SplitN(rest, "--", 2)
	id := parts[0]
	if len(parts) == 2 {
		if parts[0] == "" || parts[1] == "" {
			return RepoRef{}, false
		}
		id = parts[0] + "/" + parts[1]
	}
	return RepoRef{ID: id, Kind: kind}, true
}

// isIncompleteName reports whether a blob-directory entry is an in-progress
// download or its sidecar rather than a finalized blob.
func isIncompleteName(name string) bool {
	return strings.HasSuffix(name, incompleteSuffix) ||
		strings.HasSuffix(name, incompleteMetaSuffix)
}
