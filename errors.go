package flagcore

import "fmt"

// ErrorKind classifies errors for the ErrorBoundary's propagate/recover
// decision (§7 of SPEC_FULL.md). It is a kind, not a Go type hierarchy:
// any error can self-report its kind via the errorKinder interface below.
type ErrorKind string

const (
	KindUninitialized     ErrorKind = "Uninitialized"
	KindInvalidArgument   ErrorKind = "InvalidArgument"
	KindTooManyRequests   ErrorKind = "TooManyRequests"
	KindLocalModeNetwork  ErrorKind = "LocalModeNetwork"
	KindInitFromNetwork   ErrorKind = "InitializeFromNetwork"
	KindInitIDLists       ErrorKind = "InitializeIDLists"
	KindInvalidBootstrap  ErrorKind = "InvalidBootstrapValues"
	KindInvalidSpecs      ErrorKind = "InvalidConfigSpecsResponse"
	KindInvalidIDLists    ErrorKind = "InvalidIDListsResponse"
	KindInvalidAdapter    ErrorKind = "InvalidDataAdapterValues"
	KindUnexpected        ErrorKind = ""
)

type errorKinder interface {
	ErrorKind() ErrorKind
}

// errorKindOf extracts the ErrorKind carried by an error, defaulting to
// KindUnexpected for plain errors.
func errorKindOf(err error) ErrorKind {
	if err == nil {
		return KindUnexpected
	}
	if k, ok := err.(errorKinder); ok {
		return k.ErrorKind()
	}
	return KindUnexpected
}

// propagates reports whether the ErrorBoundary must re-raise err rather than
// recover it (§7: Uninitialized, InvalidArgument, TooManyRequests).
func (k ErrorKind) propagates() bool {
	switch k {
	case KindUninitialized, KindInvalidArgument, KindTooManyRequests:
		return true
	default:
		return false
	}
}

// silentlyRecoverable reports whether the kind must never reach telemetry
// (§7: LocalModeNetwork).
func (k ErrorKind) silentlyRecoverable() bool {
	return k == KindLocalModeNetwork
}

// UninitializedError signals use of a component before its required setup.
type UninitializedError struct{ Message string }

func (e *UninitializedError) Error() string   { return e.Message }
func (e *UninitializedError) ErrorKind() ErrorKind { return KindUninitialized }

// InvalidArgumentError signals a caller-supplied value that can never
// succeed, regardless of retry.
type InvalidArgumentError struct{ Message string }

func (e *InvalidArgumentError) Error() string   { return e.Message }
func (e *InvalidArgumentError) ErrorKind() ErrorKind { return KindInvalidArgument }

// TooManyRequestsError wraps a 429 response from a collaborator.
type TooManyRequestsError struct{ RetryAfter string }

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("too many requests (retry after %s)", e.RetryAfter)
}
func (e *TooManyRequestsError) ErrorKind() ErrorKind { return KindTooManyRequests }

// LocalModeNetworkError is raised by a Fetcher/DataAdapter operating in a
// mode where network access is intentionally disabled.
type LocalModeNetworkError struct{ Op string }

func (e *LocalModeNetworkError) Error() string       { return "network disabled for op: " + e.Op }
func (e *LocalModeNetworkError) ErrorKind() ErrorKind { return KindLocalModeNetwork }

// kindError is a generic wrapper used for the remaining recoverable,
// telemetry-worthy kinds (§7), which differ only in logging verbosity, not
// in caller-visible behavior.
type kindError struct {
	kind ErrorKind
	err  error
}

func newKindError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

func (e *kindError) Error() string       { return string(e.kind) + ": " + e.err.Error() }
func (e *kindError) Unwrap() error       { return e.err }
func (e *kindError) ErrorKind() ErrorKind { return e.kind }

// TransportError wraps a Fetcher-level failure (narrow collaborator; retry
// and backoff policy live inside the Fetcher implementation, out of scope
// here per SPEC_FULL.md §1).
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling %s: %s", e.Endpoint, e.Err.Error())
}
func (e *TransportError) Unwrap() error { return e.Err }
