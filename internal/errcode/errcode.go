// Package errcode defines the error taxonomy shared by the sync and
// retention engines. Errors produced by the registry clients and pipeline
// stages are marked with one of the reference errors below; callers classify
// them with errors.Is or Kind without inspecting messages.
package errcode

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrConfiguration marks malformed input configuration. It is fatal to
	// the whole run and is surfaced before any package is dispatched.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound marks a package or version that is absent upstream.
	// Fatal to one package, never retried.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousSelector marks a version selector that matches nothing
	// parseable as a semantic version. Fatal to one package.
	ErrAmbiguousSelector = errors.New("ambiguous version selector")

	// ErrUpstreamUnavailable marks transient upstream failures (network
	// errors, HTTP 429/5xx). Retried with bounded attempts, then fatal to
	// one package.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrIntegrity marks a checksum or signature mismatch. Fatal to one
	// package and never retried: a poisoned artifact must not be fetched
	// again in the hope of a different answer.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrRegistryConflict marks a destination-registry resource conflict.
	// "Already exists" conflicts are handled as success by the publisher;
	// any other conflict is fatal to one package.
	ErrRegistryConflict = errors.New("registry conflict")

	// ErrDeletion marks a failed version delete during retention. Fatal to
	// one version only; the provider and the run continue.
	ErrDeletion = errors.New("deletion failed")
)

// Kind returns the wire-format name of the error class, as carried in
// notification events and batch summaries.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrAmbiguousSelector):
		return "AmbiguousSelectorError"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UpstreamUnavailableError"
	case errors.Is(err, ErrIntegrity):
		return "IntegrityError"
	case errors.Is(err, ErrRegistryConflict):
		return "RegistryConflictError"
	case errors.Is(err, ErrDeletion):
		return "DeletionError"
	default:
		return "UnknownError"
	}
}

// IsRetryable reports whether the error may be retried automatically.
// Only transient upstream failures qualify; integrity and conflict errors
// must never be retried blindly.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// IsCancelled reports whether the error stems from context cancellation,
// so the pipeline reports Cancelled rather than Failed.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
