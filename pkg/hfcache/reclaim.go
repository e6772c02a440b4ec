// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DeletionPlan describes what removing a set of revisions from one
// repository will delete. Plans are computed from a scan report and carry
// no filesystem handles, so they can be printed, confirmed, and executed
// later.
type DeletionPlan struct {
	// Repo is the repository the plan applies to.
	Repo RepoRef `json:"repo"`

	// Commits are the snapshot directories to remove.
	Commits []string `json:"commits"`

	// Refs are the mutable revision names whose pointers resolve to a
	// doomed commit.
	Refs []string `json:"refs,omitempty"`

	// Blobs are the encoded blob names that become unreferenced once the
	// doomed snapshots are gone. Blobs still referenced by a surviving
	// revision are excluded.
	Blobs []string `json:"blobs,omitempty"`

	// ExpectedFreed is the bytes the plan should reclaim: exclusive blobs
	// plus copy-fallback entries inside the doomed snapshot trees.
	ExpectedFreed int64 `json:"expectedFreed"`
}

// PlanDeletion computes the deletion plan for removing the given commits
// from a scanned repository. Every requested commit must appear in the
// report.
func PlanDeletion(report *RepoReport, commits []string) (*DeletionPlan, error) {
	doomed := map[string]bool{}
	for _, c := range commits {
		doomed[c] = true
	}

	byCommit := map[string]*RevisionReport{}
	for i := range report.Revisions {
		byCommit[report.Revisions[i].CommitID] = &report.Revisions[i]
	}
	for c := range doomed {
		if _, ok := byCommit[c]; !ok {
			return nil, fmt.Errorf("revision %s not present in %s", c, report.Repo.ID)
		}
	}

	plan := &DeletionPlan{Repo: report.Repo}

	// Blobs kept alive by a surviving revision stay, no matter how many
	// doomed revisions also reference them.
	surviving := map[string]bool{}
	for _, rev := range report.Revisions {
		if doomed[rev.CommitID] {
			continue
		}
		for _, b := range rev.Blobs {
			surviving[b] = true
		}
	}

	victims := map[string]bool{}
	for _, rev := range report.Revisions {
		if !doomed[rev.CommitID] {
			continue
		}
		plan.Commits = append(plan.Commits, rev.CommitID)
		plan.Refs = append(plan.Refs, rev.Refs...)

		var blobBytes int64
		for _, b := range rev.Blobs {
			blobBytes += report.Blobs[b]
			if !surviving[b] && !victims[b] {
				victims[b] = true
				plan.Blobs = append(plan.Blobs, b)
				plan.ExpectedFreed += report.Blobs[b]
			}
		}
		// Whatever the revision holds beyond its blob references is copied
		// content inside its own tree, freed with the tree.
		plan.ExpectedFreed += rev.SizeOnDisk - blobBytes
	}

	sort.Strings(plan.Commits)
	sort.Strings(plan.Refs)
	sort.Strings(plan.Blobs)
	return plan, nil
}

// ExecutePlan removes what a plan names: ref pointers first, then snapshot
// trees, then blobs. Before each blob removal the surviving snapshots are
// re-checked live, so a plan computed from a stale report never deletes a
// blob something still links to. An interruption at any point leaves the
// cache in a valid, re-scannable state.
func ExecutePlan(ctx context.Context, fs afero.Fs, root string, plan *DeletionPlan, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	layout := Layout{Root: root}
	var errs []error

	for _, ref := range plan.Refs {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		p := layout.RefPath(plan.Repo, ref)
		if err := fs.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing ref %s: %w", ref, err))
		}
	}

	for _, commit := range plan.Commits {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		p := layout.SnapshotRoot(plan.Repo, commit)
		if err := fs.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("removing snapshot %s: %w", commit, err))
			continue
		}
		log.Info("removed snapshot",
			zap.String("repo", plan.Repo.ID), zap.String("commit", commit))
	}

	// The report the plan came from may be stale: re-derive which blobs the
	// surviving snapshots reference right now.
	live, err := liveReferences(fs, layout, plan.Repo)
	if err != nil {
		errs = append(errs, fmt.Errorf("re-scanning snapshots: %w", err))
		return errors.Join(errs...)
	}
	for _, name := range plan.Blobs {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if live[name] {
			log.Warn("blob still referenced, keeping",
				zap.String("repo", plan.Repo.ID), zap.String("blob", name))
			continue
		}
		p := filepath.Join(layout.BlobsDir(plan.Repo), name)
		if err := fs.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing blob %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// liveReferences walks every remaining snapshot tree of a repository and
// returns the set of blob names their symlinks reference. Copy-fallback
// entries are self-contained and reference nothing.
func liveReferences(fs afero.Fs, layout Layout, repo RepoRef) (map[string]bool, error) {
	live := map[string]bool{}
	snapsDir := layout.SnapshotsDir(repo)
	err := walkIfExists(fs, snapsDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		li, lerr := lstat(fs, p)
		if lerr != nil || li.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		reader, ok := fs.(afero.LinkReader)
		if !ok {
			return nil
		}
		if target, rerr := reader.ReadlinkIfPossible(p); rerr == nil {
			live[filepath.Base(target)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return live, nil
}
