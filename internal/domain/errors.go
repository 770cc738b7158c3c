package domain

import "errors"

// ErrorKind categorizes a failure once, at the point of catch. None of the
// kinds are retried by the orchestrator; transient upstream failures are
// absorbed by per-image skips inside the batch analyzer instead.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindInputInvalid      ErrorKind = "input_invalid"
	KindFetchFailed       ErrorKind = "fetch_failed"
	KindUpstreamRateLimit ErrorKind = "upstream_rate_limited"
	KindUpstreamTransient ErrorKind = "upstream_transient"
	KindStageFailed       ErrorKind = "pipeline_stage_failed"
	KindInsufficientRecon ErrorKind = "insufficient_reconstruction"
	KindTimeout           ErrorKind = "timeout"
	KindShutdown          ErrorKind = "shutdown"
	KindInternal          ErrorKind = "internal"
)

// Error sentinels. Wrap with fmt.Errorf("op=...: %w", err) and classify with
// Classify at the supervisor.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrFetchFailed       = errors.New("object fetch failed")
	ErrUpstreamRateLimit = errors.New("upstream rate limited")
	ErrUpstreamTransient = errors.New("upstream transient failure")
	ErrAnalyzer          = errors.New("analyzer failure")
	ErrStageFailed       = errors.New("pipeline stage failed")
	ErrInsufficientRecon = errors.New("insufficient reconstruction")
	ErrTimeout           = errors.New("timeout")
	ErrShutdown          = errors.New("shutting down")
	ErrInternal          = errors.New("internal error")
)

// Classify maps an error chain onto the failure taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidInput):
		return KindInputInvalid
	case errors.Is(err, ErrFetchFailed):
		return KindFetchFailed
	case errors.Is(err, ErrUpstreamRateLimit):
		return KindUpstreamRateLimit
	case errors.Is(err, ErrUpstreamTransient):
		return KindUpstreamTransient
	case errors.Is(err, ErrInsufficientRecon):
		return KindInsufficientRecon
	case errors.Is(err, ErrStageFailed):
		return KindStageFailed
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrShutdown):
		return KindShutdown
	default:
		return KindInternal
	}
}
