// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// rangeServer serves one payload with optional Range support and records
// every request it sees.
type rangeServer struct {
	mu          sync.Mutex
	payload     []byte
	ignoreRange bool
	failures    int // number of leading requests answered with 500
	requests    []string
	bytesServed int64
}

func (rs *rangeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.requests = append(rs.requests, r.Header.Get("Range"))
		fail := rs.failures > 0
		if fail {
			rs.failures--
		}
		rs.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		body := rs.payload
		status := http.StatusOK
		if rng := r.Header.Get("Range"); rng != "" && !rs.ignoreRange {
			offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
			if err != nil || offset >= int64(len(body)) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			body = body[offset:]
			status = http.StatusPartialContent
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		w.Write(body)

		rs.mu.Lock()
		rs.bytesServed += int64(len(body))
		rs.mu.Unlock()
	}
}

func (rs *rangeServer) requestCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newTestFetcher(fs afero.Fs, layout Layout) *fetcher {
	return &fetcher{
		fs:        fs,
		layout:    layout,
		httpc:     &http.Client{},
		retries:   3,
		boInitial: time.Millisecond,
		boMax:     5 * time.Millisecond,
		log:       zap.NewNop(),
	}
}

func noEmit(ProgressEvent) {}

// ageFile backdates a file's mtime so it looks long abandoned rather than
// freshly written by a live fetcher.
func ageFile(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	aged := time.Now().Add(-time.Hour)
	require.NoError(t, fs.Chtimes(path, aged, aged))
}

func TestFetcher_FullDownload(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	rs := &rangeServer{payload: payload}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	f := newTestFetcher(fs, layout)

	tmp, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   sha256hex(payload),
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, tmp)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// The sidecar is cleaned up on completion.
	_, err = fs.Stat(sidecarPath(tmp))
	require.Error(t, err)
}

func TestFetcher_ResumeAbandoned(t *testing.T) {
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	rs := &rangeServer{payload: payload}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	contentID := sha256hex(payload)

	// An earlier run got 10 bytes in before dying.
	abandoned := layout.IncompletePath(repo, contentID, "earlier-run")
	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, abandoned, payload[:10], 0o644))
	sidecar, err := jsonSidecar(contentID, int64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, sidecarPath(abandoned), sidecar, 0o644))
	ageFile(t, fs, abandoned)

	f := newTestFetcher(fs, layout)
	tmp, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   contentID,
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, tmp)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// Only the missing suffix crossed the wire, via a ranged request.
	require.Equal(t, 1, rs.requestCount())
	require.Equal(t, "bytes=10-", rs.requests[0])
	require.Equal(t, int64(len(payload)-10), rs.bytesServed)

	// The abandoned marker was claimed, not duplicated.
	_, err = fs.Stat(abandoned)
	require.Error(t, err)
}

func TestFetcher_StaleMarkerDiscarded(t *testing.T) {
	payload := []byte("fresh content after force push")
	rs := &rangeServer{payload: payload}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	contentID := sha256hex(payload)

	// Marker from before the remote changed: expected size no longer
	// matches, so its bytes cannot be trusted.
	stale := layout.IncompletePath(repo, contentID, "stale-run")
	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, stale, []byte("old partial bytes"), 0o644))
	sidecar, err := jsonSidecar(contentID, int64(len(payload))+999)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, sidecarPath(stale), sidecar, 0o644))
	ageFile(t, fs, stale)

	f := newTestFetcher(fs, layout)
	tmp, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   contentID,
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, tmp)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// Full download, no range header, stale marker gone.
	require.Equal(t, "", rs.requests[0])
	_, err = fs.Stat(stale)
	require.Error(t, err)
}

func TestFetcher_RangeIgnoredRestartsCleanly(t *testing.T) {
	payload := []byte("server does not support ranges at all")
	rs := &rangeServer{payload: payload, ignoreRange: true}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	contentID := sha256hex(payload)

	abandoned := layout.IncompletePath(repo, contentID, "earlier-run")
	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, abandoned, payload[:7], 0o644))
	sidecar, err := jsonSidecar(contentID, int64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, sidecarPath(abandoned), sidecar, 0o644))
	ageFile(t, fs, abandoned)

	f := newTestFetcher(fs, layout)
	tmp, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   contentID,
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})
	require.NoError(t, err)

	// A 200 answer to a ranged request restarts from zero instead of
	// appending a second copy of the head.
	data, err := afero.ReadFile(fs, tmp)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestFetcher_FreshMarkerNotAdopted(t *testing.T) {
	payload := []byte("another fetcher is mid-transfer on this content")
	rs := &rangeServer{payload: payload}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	contentID := sha256hex(payload)

	// A matching incomplete file with a fresh mtime: as far as this fetcher
	// can tell, someone else is writing it right now.
	inflight := layout.IncompletePath(repo, contentID, "live-run")
	require.NoError(t, fs.MkdirAll(layout.BlobsDir(repo), 0o755))
	require.NoError(t, afero.WriteFile(fs, inflight, payload[:5], 0o644))
	sidecar, err := jsonSidecar(contentID, int64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, sidecarPath(inflight), sidecar, 0o644))

	f := newTestFetcher(fs, layout)
	tmp, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   contentID,
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})
	require.NoError(t, err)
	require.NotEqual(t, inflight, tmp)

	data, err := afero.ReadFile(fs, tmp)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// Full download from zero, and the other run's file is untouched.
	require.Equal(t, "", rs.requests[0])
	left, err := afero.ReadFile(fs, inflight)
	require.NoError(t, err)
	require.Equal(t, payload[:5], left)
	_, err = fs.Stat(sidecarPath(inflight))
	require.NoError(t, err)
}

func TestFetcher_ConcurrentSameContent(t *testing.T) {
	payload := []byte(strings.Repeat("shared weights ", 64))
	rs := &rangeServer{payload: payload}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewOsFs()
	layout := Layout{Root: t.TempDir()}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	contentID := sha256hex(payload)

	f := newTestFetcher(fs, layout)
	store := NewContentStore(fs, layout, nil)

	const fetchers = 4
	var wg sync.WaitGroup
	errs := make([]error, fetchers)
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tmp, err := f.fetch(context.Background(), fetchSpec{
				repo: repo,
				path: "model.bin",
				meta: &FileMetadata{
					ContentID:   contentID,
					Size:        int64(len(payload)),
					DownloadURL: srv.URL,
				},
				emit: noEmit,
			})
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = store.FinalizeBlob(repo, contentID, tmp)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "fetcher %d", i)
	}

	data, err := afero.ReadFile(fs, layout.BlobPath(repo, contentID))
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// One blob, no leftover temp files or sidecars.
	entries, err := afero.ReadDir(fs, layout.BlobsDir(repo))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFetcher_TempClaimedMidTransferRecovers(t *testing.T) {
	payload := []byte("recovers after losing its temp file")
	rs := &rangeServer{payload: payload, failures: 1}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}
	f := newTestFetcher(fs, layout)

	// While this fetcher waits out a retry, another process claims its temp
	// file away. The fetcher must rebuild the temp instead of burning the
	// remaining attempts on a file that is never coming back.
	var once sync.Once
	emit := func(ev ProgressEvent) {
		if ev.Event != "retry" {
			return
		}
		once.Do(func() {
			entries, err := afero.ReadDir(fs, layout.BlobsDir(repo))
			require.NoError(t, err)
			for _, e := range entries {
				require.NoError(t, fs.Remove(filepath.Join(layout.BlobsDir(repo), e.Name())))
			}
		})
	}

	tmp, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   sha256hex(payload),
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: emit,
	})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, tmp)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestFetcher_TransientFailureRetried(t *testing.T) {
	payload := []byte("eventually succeeds")
	rs := &rangeServer{payload: payload, failures: 2}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}

	var retries int
	var mu sync.Mutex
	emit := func(ev ProgressEvent) {
		mu.Lock()
		if ev.Event == "retry" {
			retries++
		}
		mu.Unlock()
	}

	f := newTestFetcher(fs, layout)
	tmp, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   sha256hex(payload),
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: emit,
	})
	require.NoError(t, err)
	require.Equal(t, 2, retries)

	data, err := afero.ReadFile(fs, tmp)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestFetcher_RetriesExhausted(t *testing.T) {
	rs := &rangeServer{payload: []byte("x"), failures: 100}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}

	f := newTestFetcher(fs, layout)
	_, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   sha256hex([]byte("x")),
			Size:        1,
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})
	var te *TransferError
	require.ErrorAs(t, err, &te)
	require.Equal(t, f.retries+1, te.Attempts)
}

func TestFetcher_GoneNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}

	f := newTestFetcher(fs, layout)
	_, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   strings.Repeat("ab", 32),
			Size:        10,
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})
	require.ErrorIs(t, err, ErrGone)
}

func TestFetcher_CorruptDiscardedAndRetriedOnce(t *testing.T) {
	payload := []byte("what the server actually serves")
	rs := &rangeServer{payload: payload}
	srv := httptest.NewServer(rs.handler())
	defer srv.Close()

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}

	// Expect a digest the served bytes will never produce.
	wrongDigest := sha256hex([]byte("what the caller was promised!!!"))
	require.Len(t, []byte("what the caller was promised!!!"), len(payload))

	f := newTestFetcher(fs, layout)
	_, err := f.fetch(context.Background(), fetchSpec{
		repo: repo,
		path: "data.bin",
		meta: &FileMetadata{
			ContentID:   wrongDigest,
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})

	var ce *CorruptError
	require.ErrorAs(t, err, &ce)

	// One restart from scratch, then fatal.
	require.Equal(t, 2, rs.requestCount())

	// No corrupt bytes were left behind.
	entries, rerr := afero.ReadDir(fs, layout.BlobsDir(repo))
	require.NoError(t, rerr)
	require.Empty(t, entries)
}

func TestFetcher_CancellationKeepsResumePoint(t *testing.T) {
	payload := make([]byte, 1<<20)
	blocking := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocking
	}))
	defer srv.Close()
	defer close(blocking)

	fs := afero.NewMemMapFs()
	layout := Layout{Root: "/cache"}
	repo := RepoRef{ID: "acme/widgets", Kind: KindModel}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := newTestFetcher(fs, layout)
	_, err := f.fetch(ctx, fetchSpec{
		repo: repo,
		path: "big.bin",
		meta: &FileMetadata{
			ContentID:   sha256hex(payload),
			Size:        int64(len(payload)),
			DownloadURL: srv.URL,
		},
		emit: noEmit,
	})
	require.ErrorIs(t, err, context.Canceled)

	// Temp file and sidecar survive as the resume point.
	entries, rerr := afero.ReadDir(fs, layout.BlobsDir(repo))
	require.NoError(t, rerr)
	var tempSeen, sidecarSeen bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), incompleteMetaSuffix) {
			sidecarSeen = true
		} else if strings.HasSuffix(e.Name(), incompleteSuffix) {
			tempSeen = true
		}
	}
	require.True(t, tempSeen)
	require.True(t, sidecarSeen)
}

// jsonSidecar builds sidecar bytes the way the fetcher writes them.
func jsonSidecar(contentID string, size int64) ([]byte, error) {
	return []byte(fmt.Sprintf(
		`{"contentId":%q,"size":%d,"runId":"earlier","received":0,"createdAt":%q}`,
		contentID, size, time.Now().UTC().Format(time.RFC3339))), nil
}
