// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// fetchState is the resumable transfer state machine. There is exactly one
// driver (fetcher.fetch); async callers run it in a goroutine, so the
// retry/resume logic exists once.
type fetchState int

const (
	fetchNotStarted fetchState = iota
	fetchFetching
	fetchVerifying
	fetchComplete
)

// incompleteMeta is the sidecar written next to an in-progress temp file.
// It records what the temp file is expected to become, so a later attempt
// can tell a resumable marker from a stale one. It is never authoritative
// content; the temp file's length is the real byte count.
type incompleteMeta struct {
	ContentID string    `json:"contentId"`
	Size      int64     `json:"size"`
	RunID     string    `json:"runId"`
	Received  int64     `json:"received"`
	CreatedAt time.Time `json:"createdAt"`
}

func sidecarPath(tmp string) string {
	return tmp + ".meta"
}

// minAdoptIdle is how long an incomplete file must go unwritten before
// another fetcher may claim it. A live writer appends continuously, so its
// temp file's mtime stays fresh; only genuinely abandoned markers sit idle.
const minAdoptIdle = time.Minute

// fetcher streams bytes into incomplete temp files and verifies them. It
// never touches the shared blob location: finalization is the
// ContentStore's job, which is where cross-process races resolve.
type fetcher struct {
	fs        afero.Fs
	layout    Layout
	httpc     *http.Client
	token     string
	retries   int
	boInitial time.Duration
	boMax     time.Duration
	log       *zap.Logger
}

// fetchSpec is one transfer request.
type fetchSpec struct {
	repo RepoRef
	path string
	meta *FileMetadata

	// sendAuth is false when the byte-serving location is a third-party
	// CDN; tokens are never forwarded off the Hub endpoint.
	sendAuth bool

	emit func(ProgressEvent)
}

// fetch downloads the file described by spec into a temp file under the
// repository's blob directory and returns the completed, verified temp
// path. On cancellation the temp file and its sidecar stay on disk as a
// resume point for a future attempt.
func (f *fetcher) fetch(ctx context.Context, spec fetchSpec) (string, error) {
	runID := ksuid.New().String()
	tmp := f.layout.IncompletePath(spec.repo, spec.meta.ContentID, runID)

	st := fetchNotStarted
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.boInitial
	bo.MaxInterval = f.boMax
	bo.MaxElapsedTime = 0

	attempt := 0
	retriedCorrupt := false

	for {
		switch st {
		case fetchNotStarted:
			if err := f.prepare(spec, tmp, runID); err != nil {
				return "", err
			}
			st = fetchFetching

		case fetchFetching:
			err := f.stream(ctx, spec, tmp)
			if err == nil {
				st = fetchVerifying
				continue
			}
			if ctx.Err() != nil {
				// Cancellation keeps the temp file and sidecar: that
				// resume point is the entire reason they exist.
				return "", ctx.Err()
			}
			if errors.Is(err, ErrGone) || errors.Is(err, ErrUnauthorized) {
				return "", err
			}
			attempt++
			if attempt > f.retries {
				return "", &TransferError{URL: spec.meta.DownloadURL, Attempts: attempt, Err: err}
			}
			spec.emit(ProgressEvent{
				Event:   "retry",
				Path:    spec.path,
				Attempt: attempt,
				Message: err.Error(),
			})
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return "", ctx.Err()
			}
			if errors.Is(err, os.ErrNotExist) {
				// The temp file vanished mid-transfer (claimed by another
				// process); rebuild it instead of retrying a doomed stat.
				st = fetchNotStarted
			}

		case fetchVerifying:
			err := f.verify(spec, tmp)
			if err == nil {
				st = fetchComplete
				continue
			}
			var ce *CorruptError
			if errors.As(err, &ce) {
				// Corrupt bytes are discarded, never finalized. One
				// restart from scratch; repeated corruption is fatal.
				_ = f.fs.Remove(tmp)
				_ = f.fs.Remove(sidecarPath(tmp))
				if retriedCorrupt {
					return "", err
				}
				retriedCorrupt = true
				f.log.Warn("discarding corrupt download, retrying from scratch",
					zap.String("path", spec.path),
					zap.String("contentId", spec.meta.ContentID))
				attempt = 0
				bo.Reset()
				st = fetchNotStarted
				continue
			}
			return "", err

		case fetchComplete:
			_ = f.fs.Remove(sidecarPath(tmp))
			return tmp, nil
		}
	}
}

// prepare ensures the temp file and sidecar exist, adopting an abandoned
// incomplete file from an earlier run when its sidecar matches the expected
// validator and size. Stale markers (size or validator changed since they
// were written) are discarded, never resumed.
func (f *fetcher) prepare(spec fetchSpec, tmp, runID string) error {
	if err := f.fs.MkdirAll(f.layout.BlobsDir(spec.repo), 0o755); err != nil {
		return fmt.Errorf("ensuring blob directory: %w", err)
	}

	f.adoptAbandoned(spec, tmp)

	if _, err := f.fs.Stat(tmp); os.IsNotExist(err) {
		file, cerr := f.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY, 0o644)
		if cerr != nil {
			return cerr
		}
		if cerr := file.Close(); cerr != nil {
			return cerr
		}
	}

	return f.writeSidecar(tmp, incompleteMeta{
		ContentID: spec.meta.ContentID,
		Size:      spec.meta.Size,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	})
}

// adoptAbandoned claims an earlier run's incomplete file for the same
// content identifier. Only markers idle for at least minAdoptIdle are
// candidates: a concurrent fetcher's in-flight temp file has a fresh mtime
// and is left alone. The claim itself is an atomic rename onto this run's
// unique name: when two processes race to adopt the same marker, exactly
// one wins and the other starts from a fresh temp file, so no temp file
// ever has two writers.
func (f *fetcher) adoptAbandoned(spec fetchSpec, tmp string) {
	dir := f.layout.BlobsDir(spec.repo)
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		return
	}
	prefix := EncodeContentID(spec.meta.ContentID) + "."
	self := filepath.Base(tmp)

	for _, e := range entries {
		name := e.Name()
		if name == self || !strings.HasPrefix(name, prefix) {
			continue
		}
		if !strings.HasSuffix(name, incompleteSuffix) || strings.HasSuffix(name, incompleteMetaSuffix) {
			continue
		}
		if time.Since(e.ModTime()) < minAdoptIdle {
			// Recently written: likely another fetcher's live transfer.
			continue
		}
		old := filepath.Join(dir, name)

		meta, err := f.readSidecar(old)
		if err != nil || meta.ContentID != spec.meta.ContentID || meta.Size != spec.meta.Size {
			// Stale or unreadable marker: resuming into a different
			// expected file is a correctness bug, so discard it.
			f.log.Debug("discarding stale incomplete file", zap.String("file", old))
			_ = f.fs.Remove(old)
			_ = f.fs.Remove(sidecarPath(old))
			continue
		}
		if err := f.fs.Rename(old, tmp); err != nil {
			// Lost the claim race to another fetcher.
			continue
		}
		_ = f.fs.Remove(sidecarPath(old))
		f.log.Debug("resuming abandoned download",
			zap.String("file", old),
			zap.Int64("bytes", e.Size()))
		return
	}
}

func (f *fetcher) writeSidecar(tmp string, meta incompleteMeta) error {
	if fi, err := f.fs.Stat(tmp); err == nil {
		meta.Received = fi.Size()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return afero.WriteFile(f.fs, sidecarPath(tmp), data, 0o644)
}

func (f *fetcher) readSidecar(tmp string) (incompleteMeta, error) {
	var meta incompleteMeta
	data, err := afero.ReadFile(f.fs, sidecarPath(tmp))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// stream transfers bytes from the download location into the temp file,
// resuming from its current length with a ranged request. Bytes are written
// in strictly increasing offset order (append only), which is what makes
// resume-by-length safe.
func (f *fetcher) stream(ctx context.Context, spec fetchSpec, tmp string) error {
	fi, err := f.fs.Stat(tmp)
	if err != nil {
		return err
	}
	offset := fi.Size()
	want := spec.meta.Size

	if want >= 0 && offset > want {
		// Leftover garbage beyond the expected size cannot be trusted.
		if err := truncateFile(f.fs, tmp); err != nil {
			return err
		}
		offset = 0
	}
	if want >= 0 && offset == want {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.meta.DownloadURL, nil)
	if err != nil {
		return err
	}
	if spec.sendAuth {
		addAuth(req, f.token)
	} else {
		addAuth(req, "")
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			// Server ignored the range; start over rather than appending
			// a second copy of the head of the file.
			if err := truncateFile(f.fs, tmp); err != nil {
				return err
			}
			offset = 0
		}
	case http.StatusPartialContent:
		// resuming at offset
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %s", ErrGone, resp.Status)
	case http.StatusUnauthorized, http.StatusForbidden:
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: spec.meta.DownloadURL}
	case http.StatusRequestedRangeNotSatisfiable:
		if err := truncateFile(f.fs, tmp); err != nil {
			return err
		}
		return fmt.Errorf("range not satisfiable at offset %d", offset)
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	out, err := f.fs.OpenFile(tmp, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	pr := newProgressReader(resp.Body, want, offset, spec.path, spec.emit)
	n, cerr := io.Copy(out, pr)
	if err := out.Close(); err != nil && cerr == nil {
		cerr = err
	}
	_ = f.writeSidecar(tmp, incompleteMeta{
		ContentID: spec.meta.ContentID,
		Size:      spec.meta.Size,
		CreatedAt: time.Now().UTC(),
	})
	if cerr != nil {
		return cerr
	}

	if resp.ContentLength >= 0 && n < resp.ContentLength {
		return fmt.Errorf("premature end of body: got %d of %d bytes", n, resp.ContentLength)
	}
	if want >= 0 && offset+n < want {
		return fmt.Errorf("short transfer: got %d of %d bytes", offset+n, want)
	}
	return nil
}

// verify checks the completed temp file against the expected size and,
// when the content identifier is a strong hash, the sha256 digest.
func (f *fetcher) verify(spec fetchSpec, tmp string) error {
	fi, err := f.fs.Stat(tmp)
	if err != nil {
		return err
	}
	if spec.meta.Size >= 0 && fi.Size() != spec.meta.Size {
		return &CorruptError{
			Path:     spec.path,
			Expected: fmt.Sprintf("%d bytes", spec.meta.Size),
			Actual:   fmt.Sprintf("%d bytes", fi.Size()),
		}
	}
	if !isStrongHash(spec.meta.ContentID) {
		return nil
	}

	file, err := f.fs.Open(tmp)
	if err != nil {
		return err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, spec.meta.ContentID) {
		return &CorruptError{Path: spec.path, Expected: spec.meta.ContentID, Actual: sum}
	}
	return nil
}

func truncateFile(fs afero.Fs, name string) error {
	file, err := fs.OpenFile(name, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

// progressReader wraps an io.Reader and emits throttled progress events
// during reads.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	path       string
	emit       func(ProgressEvent)
	lastEmit   time.Time
	interval   time.Duration
}

func newProgressReader(r io.Reader, total, already int64, path string, emit func(ProgressEvent)) *progressReader {
	return &progressReader{
		reader:     r,
		total:      total,
		downloaded: already,
		path:       path,
		emit:       emit,
		lastEmit:   time.Now(),
		interval:   200 * time.Millisecond,
	}
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		if time.Since(pr.lastEmit) >= pr.interval || err == io.EOF {
			pr.emit(ProgressEvent{
				Event:      "file_progress",
				Path:       pr.path,
				Downloaded: pr.downloaded,
				Total:      pr.total,
			})
			pr.lastEmit = time.Now()
		}
	}
	return n, err
}
