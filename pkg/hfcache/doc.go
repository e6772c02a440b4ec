// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package hfcache provides a content-addressed local disk cache for files from
the HuggingFace Hub, shared across repositories, revisions, and processes.

Identical content is stored once no matter how many revisions reference it,
downloads resume across process restarts, and crash-interrupted state is
always recoverable because every mutation is either invisible or complete.

# Features

  - Content addressing: blobs are keyed by their Hub validator (SHA-256 for
    LFS files, versioned ETag otherwise), so two revisions sharing bytes
    share one blob on disk
  - Snapshot trees: each commit gets a directory mirroring the repository
    layout, with relative symlinks into the blob store (copies where
    symlinks are unavailable)
  - Resumable downloads: interrupted transfers continue from the received
    byte count, including across process restarts
  - Verification: SHA-256 for LFS content, size check otherwise; a corrupt
    download is discarded and retried, never exposed
  - Offline mode: serve cached content only, with ref pointers remembering
    what branch names last resolved to
  - Scanning and reclamation: rebuild cache state from disk alone, report
    orphans and corruption, and delete revisions without breaking shared
    blobs

# Quick Start

Materialize one file and get its snapshot path:

	package main

	import (
		"context"
		"fmt"
		"log"

		"github.com/bodaay/HuggingFaceHubCache/pkg/hfcache"
	)

	func main() {
		cache, err := hfcache.New(hfcache.Options{})
		if err != nil {
			log.Fatal(err)
		}

		path, err := cache.Get(context.Background(), hfcache.FileRequest{
			Repo:     hfcache.RepoRef{ID: "TheBloke/Mistral-7B-Instruct-v0.2-GGUF"},
			Revision: "main",
			Path:     "config.json",
		}, nil)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(path)
	}

The returned path always points at verified-correct content. Repeated calls
with unchanged remote state cost one metadata request and zero transferred
bytes; with a commit-shaped revision a hit costs no network traffic at all.

# Cache Layout

The cache root holds one directory per repository:

	models--TheBloke--Mistral-7B-Instruct-v0.2-GGUF/
	    blobs/        content-addressed files, named by validator
	    snapshots/    one directory per commit, symlinks into blobs/
	    refs/         branch and tag names -> commit IDs

The layout is the interface: external tools (and the Python ecosystem's
caches) read and write the same structure, and ScanCache reconstructs all
cache state from it with no auxiliary index.

# Datasets and Spaces

Set RepoRef.Kind for non-model repositories:

	req := hfcache.FileRequest{
		Repo: hfcache.RepoRef{ID: "facebook/flores", Kind: hfcache.KindDataset},
		Path: "README.md",
	}

# Offline Mode

With Options.Offline (or HF_HUB_OFFLINE=1) no network requests are made.
Branch names are resolved through local ref pointers; a miss returns an
error wrapping ErrOffline rather than a silent fallback.

# Progress Events

Get accepts an optional callback receiving events during materialization:

  - resolve: metadata is being fetched for a file
  - file_start: a download has started
  - file_progress: periodic progress update during transfer
  - retry: a transient failure is being retried
  - file_done: the file is materialized (Message "cached" on a hit)
  - error: the operation failed

# Concurrency

A Cache is safe for concurrent use, and multiple processes may share one
cache directory: the only cross-process synchronization is the atomicity of
filesystem rename, so there are no lock files to leak or clean up.

# Error Handling

Failures are classified: ErrRevisionNotFound, ErrFileNotFound, ErrGone,
ErrUnauthorized, and ErrOffline are sentinel errors usable with errors.Is;
CorruptError and TransferError carry details of verification and transfer
failures. Gone and unauthorized responses are never retried.

# Authentication

For private or gated repositories set Options.Token (or HF_TOKEN). The
token is sent to the configured endpoint only, never to redirect targets on
other hosts.
*/
package hfcache
