// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxScanParallel bounds how many repositories are walked concurrently.
const maxScanParallel = 8

// CacheReport is the result of scanning a cache root. It is reconstructed
// purely from the on-disk layout, with no in-memory index, so external
// tools and post-crash inspection see the same truth.
type CacheReport struct {
	// Root is the cache root that was scanned.
	Root string `json:"root"`

	// ScannedAt is when the scan ran (UTC).
	ScannedAt time.Time `json:"scannedAt"`

	// SizeOnDisk is the total disk usage of the cache. Shared blobs are
	// counted once here even when multiple revisions reference them.
	SizeOnDisk int64 `json:"sizeOnDisk"`

	// Repos lists every repository directory found, sorted by path.
	Repos []RepoReport `json:"repos"`

	// Findings lists problems discovered during the scan. Orphan blobs and
	// dangling snapshot links are distinct kinds, never merged.
	Findings []Finding `json:"findings,omitempty"`
}

// RepoReport describes one repository cache directory.
type RepoReport struct {
	Repo RepoRef `json:"repo"`
	Path string  `json:"path"`

	// SizeOnDisk is the repository's actual disk usage: every blob once,
	// plus copy-fallback snapshot entries.
	SizeOnDisk int64 `json:"sizeOnDisk"`

	// Blobs maps encoded blob names to sizes.
	Blobs map[string]int64 `json:"blobs"`

	// OrphanBlobs lists blobs referenced by no snapshot entry.
	OrphanBlobs []string `json:"orphanBlobs,omitempty"`

	// Revisions lists the snapshots, sorted by commit.
	Revisions []RevisionReport `json:"revisions"`

	LastModified time.Time `json:"lastModified"`
}

// RevisionReport describes one snapshot directory.
type RevisionReport struct {
	CommitID string `json:"commitId"`
	Path     string `json:"path"`

	// Refs lists the mutable revision names whose ref pointers currently
	// resolve to this commit.
	Refs []string `json:"refs,omitempty"`

	// FileCount is the number of snapshot entries (links and copies).
	FileCount int `json:"fileCount"`

	// SizeOnDisk is the size of this revision viewed in isolation:
	// referenced blob sizes plus copied entry sizes. Sums across revisions
	// double-count shared blobs on purpose; use RepoReport.SizeOnDisk for
	// real usage.
	SizeOnDisk int64 `json:"sizeOnDisk"`

	// Blobs lists the encoded blob names this revision references through
	// symlinks.
	Blobs []string `json:"blobs"`
}

// FindingKind classifies a scan finding.
type FindingKind string

const (
	// FindingOrphanBlob is a blob no snapshot entry references.
	FindingOrphanBlob FindingKind = "orphan-blob"

	// FindingDanglingLink is a snapshot entry referencing a missing blob.
	// This is cache corruption, reported separately from orphans.
	FindingDanglingLink FindingKind = "dangling-link"

	// FindingIncomplete is an in-progress (or abandoned) download temp
	// file. Never counted as a valid blob.
	FindingIncomplete FindingKind = "incomplete-download"

	// FindingStrayEntry is a file or directory that does not belong to the
	// layout.
	FindingStrayEntry FindingKind = "stray-entry"

	// FindingWalkError is a filesystem error encountered while scanning.
	// Scanning continues past it.
	FindingWalkError FindingKind = "walk-error"
)

// Finding is one structured problem report. Findings are data, not errors:
// a scan of a large cache reports all of them instead of aborting on the
// first.
type Finding struct {
	Kind   FindingKind `json:"kind"`
	Repo   string      `json:"repo,omitempty"`
	Path   string      `json:"path"`
	Detail string      `json:"detail,omitempty"`
}

// ScanCache walks a cache root and reconstructs which blobs are referenced
// by which revisions, per-repository and per-revision disk usage, and any
// layout problems. Repositories are scanned concurrently.
func ScanCache(ctx context.Context, fs afero.Fs, root string, log *zap.Logger) (*CacheReport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	report := &CacheReport{Root: root, ScannedAt: time.Now().UTC()}

	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxScanParallel)

	for _, e := range entries {
		e := e
		if !e.IsDir() {
			mu.Lock()
			report.Findings = append(report.Findings, Finding{
				Kind: FindingStrayEntry,
				Path: filepath.Join(root, e.Name()),
			})
			mu.Unlock()
			continue
		}
		repo, ok := ParseFolderName(e.Name())
		if !ok {
			mu.Lock()
			report.Findings = append(report.Findings, Finding{
				Kind:   FindingStrayEntry,
				Path:   filepath.Join(root, e.Name()),
				Detail: "directory name does not follow the cache layout",
			})
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rr, findings := scanRepo(fs, Layout{Root: root}, repo, e, log)
			mu.Lock()
			report.Repos = append(report.Repos, rr)
			report.Findings = append(report.Findings, findings...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Repos, func(i, j int) bool { return report.Repos[i].Path < report.Repos[j].Path })
	sort.Slice(report.Findings, func(i, j int) bool {
		if report.Findings[i].Kind != report.Findings[j].Kind {
			return report.Findings[i].Kind < report.Findings[j].Kind
		}
		return report.Findings[i].Path < report.Findings[j].Path
	})
	for i := range report.Repos {
		report.SizeOnDisk += report.Repos[i].SizeOnDisk
	}

	log.Debug("cache scan complete",
		zap.Int("repos", len(report.Repos)),
		zap.Int("findings", len(report.Findings)),
		zap.Int64("sizeOnDisk", report.SizeOnDisk))
	return report, nil
}

// copyEntry is a snapshot entry that is a regular file (copy fallback).
type copyEntry struct {
	path string
	size int64
}

func scanRepo(fs afero.Fs, layout Layout, repo RepoRef, dirInfo os.FileInfo, log *zap.Logger) (RepoReport, []Finding) {
	rr := RepoReport{
		Repo:         repo,
		Path:         layout.RepoDir(repo),
		Blobs:        map[string]int64{},
		LastModified: dirInfo.ModTime(),
	}
	var findings []Finding

	// Blobs: every regular file in blobs/ that is not an in-progress
	// download.
	blobsDir := layout.BlobsDir(repo)
	if entries, err := afero.ReadDir(fs, blobsDir); err == nil {
		for _, e := range entries {
			p := filepath.Join(blobsDir, e.Name())
			switch {
			case e.IsDir():
				findings = append(findings, Finding{Kind: FindingStrayEntry, Repo: repo.ID, Path: p})
			case isIncompleteName(e.Name()):
				if !strings.HasSuffix(e.Name(), incompleteMetaSuffix) {
					findings = append(findings, Finding{
						Kind:   FindingIncomplete,
						Repo:   repo.ID,
						Path:   p,
						Detail: units(e.Size()) + " received so far",
					})
				}
			default:
				rr.Blobs[e.Name()] = e.Size()
				rr.SizeOnDisk += e.Size()
				if e.ModTime().After(rr.LastModified) {
					rr.LastModified = e.ModTime()
				}
			}
		}
	} else if !os.IsNotExist(err) {
		findings = append(findings, Finding{Kind: FindingWalkError, Repo: repo.ID, Path: blobsDir, Detail: err.Error()})
	}

	// Refs: mutable name -> commit hints.
	refsByCommit := map[string][]string{}
	refsDir := layout.RefsDir(repo)
	_ = walkIfExists(fs, refsDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			findings = append(findings, Finding{Kind: FindingWalkError, Repo: repo.ID, Path: p, Detail: err.Error()})
			return nil
		}
		if info.IsDir() {
			return nil
		}
		data, rerr := afero.ReadFile(fs, p)
		if rerr != nil {
			findings = append(findings, Finding{Kind: FindingWalkError, Repo: repo.ID, Path: p, Detail: rerr.Error()})
			return nil
		}
		commit := strings.TrimSpace(string(data))
		name, _ := filepath.Rel(refsDir, p)
		if !IsCommitID(commit) {
			findings = append(findings, Finding{
				Kind: FindingStrayEntry, Repo: repo.ID, Path: p,
				Detail: "ref pointer does not hold a commit",
			})
			return nil
		}
		refsByCommit[commit] = append(refsByCommit[commit], filepath.ToSlash(name))
		return nil
	})

	// Snapshots: one directory per commit, leaves referencing blobs.
	referenced := map[string]bool{}
	var copies []copyEntry
	snapsDir := layout.SnapshotsDir(repo)
	if entries, err := afero.ReadDir(fs, snapsDir); err == nil {
		for _, e := range entries {
			p := filepath.Join(snapsDir, e.Name())
			if !e.IsDir() {
				findings = append(findings, Finding{Kind: FindingStrayEntry, Repo: repo.ID, Path: p})
				continue
			}
			rev, revCopies, revFindings := scanRevision(fs, repo, p, rr.Blobs)
			rev.CommitID = e.Name()
			rev.Refs = refsByCommit[e.Name()]
			sort.Strings(rev.Refs)
			for _, b := range rev.Blobs {
				referenced[b] = true
			}
			for _, cp := range revCopies {
				rr.SizeOnDisk += cp.size
			}
			copies = append(copies, revCopies...)
			findings = append(findings, revFindings...)
			rr.Revisions = append(rr.Revisions, rev)
		}
	} else if !os.IsNotExist(err) {
		findings = append(findings, Finding{Kind: FindingWalkError, Repo: repo.ID, Path: snapsDir, Detail: err.Error()})
	}
	sort.Slice(rr.Revisions, func(i, j int) bool { return rr.Revisions[i].CommitID < rr.Revisions[j].CommitID })

	// Orphans: blobs referenced by no symlink, with copy-fallback entries
	// given a chance to claim them by size + digest before flagging.
	for name, size := range rr.Blobs {
		if referenced[name] {
			continue
		}
		if blobMatchesCopy(fs, filepath.Join(blobsDir, name), size, copies) {
			continue
		}
		rr.OrphanBlobs = append(rr.OrphanBlobs, name)
		findings = append(findings, Finding{
			Kind:   FindingOrphanBlob,
			Repo:   repo.ID,
			Path:   filepath.Join(blobsDir, name),
			Detail: units(size) + " reclaimable",
		})
	}
	sort.Strings(rr.OrphanBlobs)

	return rr, findings
}

// scanRevision walks one snapshot tree, resolving symlink leaves to blob
// names and collecting copy-fallback leaves for later orphan matching.
func scanRevision(fs afero.Fs, repo RepoRef, root string, blobs map[string]int64) (RevisionReport, []copyEntry, []Finding) {
	rev := RevisionReport{Path: root}
	var copies []copyEntry
	var findings []Finding
	seen := map[string]bool{}

	_ = afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			findings = append(findings, Finding{Kind: FindingWalkError, Repo: repo.ID, Path: p, Detail: err.Error()})
			return nil
		}
		if info.IsDir() {
			return nil
		}
		// afero.Walk stats through some backends; lstat tells links apart.
		li, lerr := lstat(fs, p)
		if lerr != nil {
			findings = append(findings, Finding{Kind: FindingWalkError, Repo: repo.ID, Path: p, Detail: lerr.Error()})
			return nil
		}

		rev.FileCount++
		if li.Mode()&os.ModeSymlink != 0 {
			reader, ok := fs.(afero.LinkReader)
			if !ok {
				return nil
			}
			target, rerr := reader.ReadlinkIfPossible(p)
			if rerr != nil {
				findings = append(findings, Finding{Kind: FindingWalkError, Repo: repo.ID, Path: p, Detail: rerr.Error()})
				return nil
			}
			name := filepath.Base(target)
			size, ok := blobs[name]
			if !ok {
				findings = append(findings, Finding{
					Kind:   FindingDanglingLink,
					Repo:   repo.ID,
					Path:   p,
					Detail: "references missing blob " + name,
				})
				return nil
			}
			if !seen[name] {
				seen[name] = true
				rev.Blobs = append(rev.Blobs, name)
				rev.SizeOnDisk += size
			}
			return nil
		}

		copies = append(copies, copyEntry{path: p, size: li.Size()})
		rev.SizeOnDisk += li.Size()
		return nil
	})
	sort.Strings(rev.Blobs)
	return rev, copies, findings
}

// blobMatchesCopy reports whether any copy-fallback snapshot entry holds
// the same bytes as the blob. Only candidate orphans with a size twin are
// hashed, keeping scans cheap on healthy caches.
func blobMatchesCopy(fs afero.Fs, blobPath string, size int64, copies []copyEntry) bool {
	var twins []copyEntry
	for _, cp := range copies {
		if cp.size == size {
			twins = append(twins, cp)
		}
	}
	if len(twins) == 0 {
		return false
	}
	blobSum, err := fileSHA256(fs, blobPath)
	if err != nil {
		return false
	}
	for _, cp := range twins {
		if sum, err := fileSHA256(fs, cp.path); err == nil && sum == blobSum {
			return true
		}
	}
	return false
}

func fileSHA256(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// walkIfExists walks a directory, treating a missing directory as empty.
func walkIfExists(fs afero.Fs, root string, fn filepath.WalkFunc) error {
	if ok, err := afero.DirExists(fs, root); err != nil || !ok {
		return err
	}
	return afero.Walk(fs, root, fn)
}
