// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfcache

import (
	"errors"
	"fmt"
)

// Common errors returned by the library.
var (
	// ErrRevisionNotFound is returned when the remote confirms the named
	// revision does not exist. Never retried.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrFileNotFound is returned when the resolved revision exists but the
	// requested path does not.
	ErrFileNotFound = errors.New("file not found at revision")

	// ErrOffline is returned when the remote could not be contacted and no
	// valid local fallback exists (or offline mode forbids trying).
	ErrOffline = errors.New("remote unreachable and no cached copy available")

	// ErrGone is returned when the byte-serving location is confirmed to no
	// longer be valid (e.g. an expired redirect target). Never retried.
	ErrGone = errors.New("download location no longer valid")

	// ErrUnauthorized is returned when authentication is required but not
	// provided, or access to the repository is denied.
	ErrUnauthorized = errors.New("unauthorized: repository requires authentication")

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = errors.New("rate limited: too many requests")
)

// CorruptError is returned when downloaded bytes fail the validator check.
// The temp file carrying the corrupt bytes is always discarded before this
// error is surfaced; corrupt data is never finalized into the blob store.
type CorruptError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt download for %s: expected %s, got %s",
		e.Path, e.Expected, e.Actual)
}

// TransferError is returned when a transfer failed after exhausting its
// retry budget. The wrapped error is the last transient failure observed.
type TransferError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// APIError represents an error response from the Hub API.
type APIError struct {
	StatusCode int
	Status     string
	URL        string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Status)
}

// IsRetryable returns true if the error might succeed on retry.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Is implements errors.Is for common error comparisons.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return errors.Is(target, ErrUnauthorized)
	case 410:
		return errors.Is(target, ErrGone)
	case 429:
		return errors.Is(target, ErrRateLimited)
	default:
		return false
	}
}
