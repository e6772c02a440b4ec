// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ContentStore owns the blob area of each repository cache directory: the
// mapping from content identifier to the single on-disk copy of those
// bytes. Blobs are immutable once finalized and shared by every snapshot
// entry that references the same content identifier.
type ContentStore struct {
	fs     afero.Fs
	layout Layout
	log    *zap.Logger
}

// NewContentStore creates a store over the given filesystem and layout.
func NewContentStore(fs afero.Fs, layout Layout, log *zap.Logger) *ContentStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContentStore{fs: fs, layout: layout, log: log}
}

// BlobPath returns the deterministic blob location for a content
// identifier. Pure path computation, no I/O.
func (s *ContentStore) BlobPath(repo RepoRef, contentID string) string {
	return s.layout.BlobPath(repo, contentID)
}

// HasBlob reports whether a finalized blob exists for the content
// identifier.
func (s *ContentStore) HasBlob(repo RepoRef, contentID string) (bool, error) {
	fi, err := s.fs.Stat(s.layout.BlobPath(repo, contentID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

// BlobSize returns the size of a finalized blob.
func (s *ContentStore) BlobSize(repo RepoRef, contentID string) (int64, error) {
	fi, err := s.fs.Stat(s.layout.BlobPath(repo, contentID))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// FinalizeBlob atomically promotes a fully-downloaded, verified temp file
// into the blob location and returns that location.
//
// Rename is the sole synchronization primitive: when two fetchers race on
// the same content identifier, whichever finalizes first wins and the
// loser's identical temp file is simply discarded. A third reader polling
// HasBlob can never observe a partial blob.
func (s *ContentStore) FinalizeBlob(repo RepoRef, contentID, tempPath string) (string, error) {
	blobPath := s.layout.BlobPath(repo, contentID)
	if err := s.fs.MkdirAll(s.layout.BlobsDir(repo), 0o755); err != nil {
		return "", fmt.Errorf("ensuring blob directory: %w", err)
	}

	if ok, err := s.HasBlob(repo, contentID); err != nil {
		return "", err
	} else if ok {
		// Lost the race: the winner's blob has identical content.
		s.log.Debug("blob already finalized, discarding duplicate temp file",
			zap.String("blob", blobPath))
		_ = s.fs.Remove(tempPath)
		return blobPath, nil
	}

	if err := s.fs.Rename(tempPath, blobPath); err != nil {
		// A concurrent finalizer may have won between the existence check
		// and the rename. If the blob is there now, this is a success.
		if ok, herr := s.HasBlob(repo, contentID); herr == nil && ok {
			_ = s.fs.Remove(tempPath)
			return blobPath, nil
		}
		return "", fmt.Errorf("finalizing blob %q: %w", blobPath, err)
	}
	s.log.Debug("finalized blob", zap.String("blob", blobPath))
	return blobPath, nil
}
