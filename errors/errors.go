// Package errors provides error handling for caravel.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Classify against the pipeline taxonomy
//	if errors.Is(err, errors.ErrConfiguration) {
//	    // reject before any stage runs
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	CombineErrors = crdb.CombineErrors
	Join          = crdb.Join
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Mark attaches a reference error so the result is errors.Is() that reference.
// Used to tag lower-level failures with a pipeline taxonomy sentinel while
// preserving the underlying cause for diagnostics.
var Mark = crdb.Mark

// Pipeline error taxonomy. Lower-level errors (HTTP, filesystem) are wrapped
// into one of these before reaching the orchestrator; the CLI maps them to
// exit codes. Use errors.Mark to tag and errors.Is to classify.
var (
	// ErrConfiguration indicates a specification error (unknown processor,
	// malformed descriptor, missing parameter). Detected before any stage runs.
	ErrConfiguration = New("configuration error")

	// ErrQuery indicates a catalog query failure. Fatal to the owning stage.
	ErrQuery = New("query error")

	// ErrAuthentication indicates missing or invalid credentials.
	ErrAuthentication = New("authentication error")

	// ErrAuthorization indicates the server refused the operation.
	ErrAuthorization = New("authorization error")

	// ErrAsset indicates a per-asset failure (checksum mismatch, unresolvable
	// metadata, transfer failure). Recorded and skipped unless strict mode.
	ErrAsset = New("asset error")

	// ErrTransform indicates a malformed record or missing referenced field.
	// Fatal to the owning stage.
	ErrTransform = New("transform error")

	// ErrPackaging indicates a bag packaging or validation failure.
	ErrPackaging = New("packaging error")

	// ErrPostProcess indicates a post-processing failure. Reported but does
	// not invalidate already-produced local output.
	ErrPostProcess = New("post-processing error")

	// ErrMissingKey indicates a template referenced an environment key that
	// is not set. Never silently substituted with an empty string.
	ErrMissingKey = New("missing template key")
)
