// Package cacheerr defines the closed set of error kinds the cache-decision
// engine can encounter and the recovery/disable policy each
// kind carries, so the engine can dispatch on a typed field instead of
// string-matching.
package cacheerr

import (
	"fmt"
	"time"
)

// Kind identifies one of the closed set of error kinds.
type Kind string

const (
	KindConfigParse           Kind = "config_parse"
	KindUnsupportedOption     Kind = "unsupported_option"
	KindUnsupportedLanguage   Kind = "unsupported_language"
	KindPreprocessor          Kind = "preprocessor_error"
	KindCompilerFailed        Kind = "compiler_failed"
	KindMissingOutput         Kind = "missing_output"
	KindCacheIOWrite          Kind = "cache_io_write"
	KindCacheIORead           Kind = "cache_io_read"
	KindInodeCacheUnavailable Kind = "inode_cache_unavailable"
	KindTimeRace              Kind = "time_race"
	KindPCHTooNew             Kind = "pch_too_new"
	KindPCHMismatch           Kind = "pch_mismatch"
	KindDisabledBySource      Kind = "disabled_by_source"
	KindSignal                Kind = "signal"
)

// Disable describes what caching behavior an error forces for the current
// invocation.
type Disable int

const (
	// DisableNone means the error does not affect caching (e.g. a fatal
	// configuration error aborts the whole invocation before caching even
	// starts).
	DisableNone Disable = iota
	// DisableCaching means: run the real compiler, don't consult or write
	// the cache at all.
	DisableCaching
	// DisableDirectMode means: direct mode is skipped for this
	// invocation, but preprocessor mode may still produce a cacheable hit.
	DisableDirectMode
)

// Error is the single error type used across the engine. Kind selects the
// dispatch behavior; Disable tells the engine what to do next; Underlying
// carries the original cause for logs and errors.Is/As.
type Error struct {
	Kind       Kind
	Disable    Disable
	Op         string
	Path       string
	Underlying error
	Timestamp  time.Time
}

// New creates an Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:       kind,
		Disable:    defaultDisable(kind),
		Op:         op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// WithPath attaches a file path for context.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithDisable overrides the default disable policy for this occurrence.
func (e *Error) WithDisable(d Disable) *Error {
	e.Disable = d
	return e
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s failed for %s: %v", e.Kind, e.Op, e.Path, e.Underlying)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Kind, e.Op, e.Underlying)
}

func (e *Error) Unwrap() error { return e.Underlying }

// Recoverable reports whether the Decision Engine may fall through to
// running the real compiler instead of aborting the whole invocation.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindConfigParse, KindSignal:
		return false
	default:
		return true
	}
}

func defaultDisable(kind Kind) Disable {
	switch kind {
	case KindUnsupportedOption, KindUnsupportedLanguage, KindMissingOutput,
		KindDisabledBySource, KindCacheIOWrite, KindPCHMismatch:
		return DisableCaching
	case KindTimeRace, KindPCHTooNew:
		return DisableDirectMode
	default:
		return DisableNone
	}
}

// MultiError aggregates multiple errors, e.g. several classifier failures
// found while scanning one argument vector.
type MultiError struct {
	Errors []error
}

// NewMultiError filters out nils and wraps the rest.
func NewMultiError(errs []error) *MultiError {
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	return &MultiError{Errors: filtered}
}

func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v", len(e.Errors), e.Errors)
}

func (e *MultiError) Unwrap() []error { return e.Errors }
