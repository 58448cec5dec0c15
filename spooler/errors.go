package spooler

import (
	"errors"
	"fmt"
)

// ErrRemoteUnavailable marks any failure talking to the remote document store.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// ErrCacheStorage marks local hash cache storage failures.
var ErrCacheStorage = errors.New("hash cache storage failure")

// ValidationError is returned before any I/O happens. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// RemoteError wraps a failed remote operation ("list" or "create").
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

type CacheStorageError struct {
	Op  string
	Err error
}

func (e *CacheStorageError) Error() string {
	return fmt.Sprintf("hash cache %s: %v", e.Op, e.Err)
}

func (e *CacheStorageError) Unwrap() error { return e.Err }

func (e *CacheStorageError) Is(target error) bool {
	return target == ErrCacheStorage
}

// RaceInconsistency reports two remote documents holding identical content.
// It is attached to an otherwise successful creation and is not returned as an error.
type RaceInconsistency struct {
	Fingerprint         string
	DocumentID          string
	DuplicateDocumentID string
}

func (e *RaceInconsistency) Error() string {
	return fmt.Sprintf("content %s stored twice: documents %s and %s", shortFingerprint(e.Fingerprint), e.DocumentID, e.DuplicateDocumentID)
}

// HTTPError is a non-retryable, non-2xx response from the document store API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
