// Package apperrors defines the error taxonomy every component classifies
// its failures into. Kinds are sentinel errors usable with errors.Is/As,
// not an enum of type names — components wrap a sentinel with context via
// fmt.Errorf("...: %w", err).
package apperrors

import "errors"

var (
	// ErrClientGone means the SSE writer observed the client disconnect.
	// Not logged as an error; triggers graceful cancellation and partial
	// persistence.
	ErrClientGone = errors.New("client gone")

	// ErrUpstreamTransient means a model backend I/O error or tool 5xx that
	// may be retried within the tool-feedback loop's budget.
	ErrUpstreamTransient = errors.New("upstream transient error")

	// ErrUpstreamFatal means the model backend rejected the request outright
	// (missing credentials, 4xx) — not retryable within this request.
	ErrUpstreamFatal = errors.New("upstream fatal error")

	// ErrSchemaViolation means an agent's LLM output failed schema
	// validation; handled locally by that agent's fallback path and never
	// escalates past the orchestrator.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrCacheDegraded means the Session Store or Request Cache is
	// unavailable; the request proceeds without the affected feature.
	ErrCacheDegraded = errors.New("cache degraded")

	// ErrAdmissionRejected means the identity's queue is full or the
	// concurrency cap is reached.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrPersistenceFailed means the message repository write failed; does
	// not abort the SSE stream.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrResumeMiss means no checkpoint exists for the requested resume
	// point; the caller should silently downgrade to a fresh start.
	ErrResumeMiss = errors.New("resume miss")
)

// IsClientGone reports whether err (or anything it wraps) is ErrClientGone —
// the one kind callers should route to info-level logging instead of error.
func IsClientGone(err error) bool {
	return errors.Is(err, ErrClientGone)
}

// Loggable reports whether err deserves error-level logging. ClientGone is
// expected traffic, not a defect, so it is excluded.
func Loggable(err error) bool {
	return err != nil && !IsClientGone(err)
}
