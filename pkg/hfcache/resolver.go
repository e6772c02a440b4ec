// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultEndpoint is the default HuggingFace Hub URL. Can be overridden via
// Options.Endpoint for mirrors or enterprise deployments.
const DefaultEndpoint = "https://huggingface.co"

// Headers the Hub sets on resolve responses. The pre-redirect values are
// authoritative: CDN redirect targets do not serve stable metadata.
const (
	headerRepoCommit = "X-Repo-Commit"
	headerLinkedETag = "X-Linked-Etag"
	headerLinkedSize = "X-Linked-Size"
)

// maxRedirects bounds the manual redirect chase when locating the
// byte-serving URL.
const maxRedirects = 10

// ResolutionStatus tags the outcome of a revision resolution, so callers
// branch on an explicit value instead of catching error types.
type ResolutionStatus int

const (
	// ResolutionFound means CommitID is valid.
	ResolutionFound ResolutionStatus = iota

	// ResolutionNotFound means the remote confirmed the revision (or the
	// repository) does not exist.
	ResolutionNotFound

	// ResolutionUnreachable means the remote could not be contacted; Err
	// carries the transport failure.
	ResolutionUnreachable
)

// Resolution is the result of resolving a human-given revision.
type Resolution struct {
	Status   ResolutionStatus
	CommitID string
	Err      error
}

// FileMetadata describes one file version as reported by the Hub, before
// any bytes are transferred.
type FileMetadata struct {
	// CommitID is the commit the revision resolved to.
	CommitID string

	// ContentID is the strong validator identifying the file bytes: the
	// sha256 of LFS files, or the versioned ETag of regular files. Always
	// the pre-redirect value.
	ContentID string

	// Size is the expected byte size (-1 when the server did not say).
	Size int64

	// DownloadURL is the final byte-serving location after following
	// redirects. Distinct from ContentID on purpose: redirect targets are
	// short-lived and never used for caching decisions.
	DownloadURL string
}

// Resolver turns (repository, revision) pairs into commit IDs and per-file
// content identifiers, talking to the Hub with metadata-only requests.
type Resolver struct {
	endpoint    string
	token       string
	httpc       *http.Client
	metaTimeout time.Duration
	log         *zap.Logger
}

// NewResolver creates a resolver against the given endpoint. The client's
// redirect handling is disabled: the resolver follows redirects itself to
// keep pre- and post-redirect identifiers distinct.
func NewResolver(endpoint, token string, metaTimeout time.Duration, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	httpc := buildHTTPClient()
	httpc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Resolver{
		endpoint:    strings.TrimSuffix(defaultString(endpoint, DefaultEndpoint), "/"),
		token:       token,
		httpc:       httpc,
		metaTimeout: metaTimeout,
		log:         log,
	}
}

// buildHTTPClient creates an HTTP client with sensible transport defaults.
func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// addAuth adds authentication and user-agent headers to a request.
func addAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "hfhubcache/1")
}

// ResolveCommit resolves a branch, tag, or commit revision to a concrete
// commit SHA. Commit-shaped revisions are trusted as-is with no network
// call.
func (r *Resolver) ResolveCommit(ctx context.Context, repo RepoRef, revision string) Resolution {
	if IsCommitID(revision) {
		return Resolution{Status: ResolutionFound, CommitID: revision}
	}

	ctx, cancel := context.WithTimeout(ctx, r.metaTimeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/api/%s/%s/revision/%s",
		r.endpoint, repo.Kind.plural(), repo.ID, url.PathEscape(revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Resolution{Status: ResolutionUnreachable, Err: err}
	}
	addAuth(req, r.token)

	resp, err := r.httpc.Do(req)
	if err != nil {
		r.log.Debug("revision resolution unreachable", zap.String("url", reqURL), zap.Error(err))
		return Resolution{Status: ResolutionUnreachable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			SHA string `json:"sha"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.SHA == "" {
			return Resolution{Status: ResolutionUnreachable,
				Err: fmt.Errorf("malformed revision response: %v", err)}
		}
		return Resolution{Status: ResolutionFound, CommitID: body.SHA}
	case resp.StatusCode == http.StatusNotFound:
		return Resolution{Status: ResolutionNotFound, Err: ErrRevisionNotFound}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Resolution{Status: ResolutionNotFound,
			Err: &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: reqURL}}
	default:
		return Resolution{Status: ResolutionUnreachable,
			Err: &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: reqURL}}
	}
}

// FileMetadata asks the Hub, via a HEAD request, for the validator, size,
// commit and byte-serving location of a file at a revision. Redirects are
// chased manually so the returned ContentID is always the pre-redirect
// validator while DownloadURL is the final location.
func (r *Resolver) FileMetadata(ctx context.Context, repo RepoRef, revision, path string) (*FileMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.metaTimeout)
	defer cancel()

	reqURL := r.resolveURL(repo, revision, path)
	resp, err := r.head(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: reqURL}
	case http.StatusNotFound:
		// The Hub distinguishes a missing revision from a missing file via
		// the X-Error-Code header; absent that, a present commit header
		// means the revision resolved and the path is what is missing.
		if resp.Header.Get(headerRepoCommit) != "" {
			return nil, fmt.Errorf("%w: %s@%s/%s", ErrFileNotFound, repo.ID, revision, path)
		}
		return nil, fmt.Errorf("%w: %s@%s", ErrRevisionNotFound, repo.ID, revision)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: reqURL}
	}

	meta := &FileMetadata{
		CommitID:    resp.Header.Get(headerRepoCommit),
		ContentID:   normalizeETag(defaultString(resp.Header.Get(headerLinkedETag), resp.Header.Get("ETag"))),
		Size:        headerSize(resp.Header),
		DownloadURL: reqURL,
	}
	if meta.ContentID == "" {
		return nil, fmt.Errorf("no validator returned for %s@%s/%s", repo.ID, revision, path)
	}
	if meta.CommitID == "" && IsCommitID(revision) {
		meta.CommitID = revision
	}
	if meta.CommitID == "" {
		return nil, fmt.Errorf("no commit returned for %s@%s", repo.ID, revision)
	}

	// Chase redirects to the byte-serving location. Identifiers are locked
	// in from the first response above.
	loc := reqURL
	current := resp
	for i := 0; i < maxRedirects && isRedirect(current.StatusCode); i++ {
		next := current.Header.Get("Location")
		if next == "" {
			break
		}
		base, err := url.Parse(loc)
		if err != nil {
			break
		}
		nextURL, err := base.Parse(next)
		if err != nil {
			return nil, fmt.Errorf("malformed redirect from %q: %w", loc, err)
		}
		loc = nextURL.String()

		current, err = r.head(ctx, loc)
		if err != nil {
			// The pre-redirect metadata is complete; a flaky CDN HEAD is
			// not fatal because the fetcher retries the final location.
			r.log.Debug("redirect target HEAD failed", zap.String("url", loc), zap.Error(err))
			break
		}
		current.Body.Close()
	}
	meta.DownloadURL = loc

	return meta, nil
}

// head issues a metadata-only request. Accept-Encoding is pinned to
// identity so Content-Length and ETag describe the stored bytes.
func (r *Resolver) head(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return nil, err
	}
	addAuth(req, r.token)
	req.Header.Set("Accept-Encoding", "identity")
	return r.httpc.Do(req)
}

// resolveURL builds the canonical resolve URL for a file at a revision.
func (r *Resolver) resolveURL(repo RepoRef, revision, path string) string {
	prefix := ""
	switch repo.Kind {
	case KindDataset:
		prefix = "datasets/"
	case KindSpace:
		prefix = "spaces/"
	}
	return fmt.Sprintf("%s/%s%s/resolve/%s/%s",
		r.endpoint, prefix, repo.ID, url.PathEscape(revision), pathEscapeAll(path))
}

// pathEscapeAll escapes each path segment separately, keeping the slashes.
func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}

// normalizeETag strips the weak prefix and quotes from an ETag value.
func normalizeETag(etag string) string {
	etag = strings.TrimPrefix(strings.TrimSpace(etag), "W/")
	return strings.Trim(etag, `"`)
}

// headerSize extracts the expected byte size from a resolve response,
// preferring the LFS pointer size over Content-Length.
func headerSize(h http.Header) int64 {
	for _, key := range []string{headerLinkedSize, "Content-Length"} {
		if v := h.Get(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return -1
}

// isRedirect reports whether a status code is a redirect we should chase.
func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}
