package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Phase-local failures are
// recorded into ProcessingStatus.Errors instead of being propagated.
var (
	// ErrRateLimited is surfaced by the object store when it wants the
	// caller to back off.
	ErrRateLimited = errors.New("object store rate limited")
	// ErrNotFound maps to a user-visible 404.
	ErrNotFound = errors.New("not found")
	// ErrNotStreamable means no tier of the playback fallback chain could
	// produce bytes for the request.
	ErrNotStreamable = errors.New("not available for streaming")
)

// ProbeError means the probing tool could not parse the file. Callers fall
// back to filesystem-only stats.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// EncodeError means one quality or one track failed. Total failure across
// all qualities is the only hard encode error.
type EncodeError struct {
	Quality string
	Err     error
}

func (e *EncodeError) Error() string {
	if e.Quality != "" {
		return fmt.Sprintf("encode %s: %v", e.Quality, e.Err)
	}
	return fmt.Sprintf("encode: %v", e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// InvalidInputError maps to a user-visible 400.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return e.Reason }
