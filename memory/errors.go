package memory

import "errors"

// Code classifies a memory subsystem error.
type Code string

const (
	// CodeEmbedding means the embedding provider failed. On store the record
	// is saved degraded; the code surfaces only where no fallback applies.
	CodeEmbedding Code = "embedding"
	// CodeEmbeddingUnavailable means a text query could not be embedded and
	// no metadata-only fallback could serve it.
	CodeEmbeddingUnavailable Code = "embedding_unavailable"
	// CodeBackendUnavailable means a specific adapter could not be reached.
	// Fatal only for the durable store on writes.
	CodeBackendUnavailable Code = "backend_unavailable"
	// CodeRecordNotFound means the id is absent from the durable store.
	CodeRecordNotFound Code = "record_not_found"
	// CodeInvalidQuery means the request was rejected before any backend call.
	CodeInvalidQuery Code = "invalid_query"
	// CodeDeadlineExceeded means the operation ran past its hard deadline.
	CodeDeadlineExceeded Code = "deadline_exceeded"
)

// Error is the typed error returned by every public operation.
type Error struct {
	Code    Code
	Backend string // adapter name, when the failure is backend-specific
	Message string
	Err     error // underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg = e.Message
	}
	if e.Backend != "" {
		msg = e.Backend + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error with the given code and message.
func NewError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewBackendError builds an Error attributed to a specific adapter.
func NewBackendError(code Code, backend, message string, err error) *Error {
	return &Error{Code: code, Backend: backend, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRecordNotFound reports whether err is a record_not_found error.
func IsRecordNotFound(err error) bool {
	return CodeOf(err) == CodeRecordNotFound
}

// IsBackendUnavailable reports whether err is a backend_unavailable error.
func IsBackendUnavailable(err error) bool {
	return CodeOf(err) == CodeBackendUnavailable
}

// IsInvalidQuery reports whether err is an invalid_query error.
func IsInvalidQuery(err error) bool {
	return CodeOf(err) == CodeInvalidQuery
}

// IsEmbeddingError reports whether err is an embedding error.
func IsEmbeddingError(err error) bool {
	return CodeOf(err) == CodeEmbedding
}

// IsEmbeddingUnavailable reports whether err is an embedding_unavailable error.
func IsEmbeddingUnavailable(err error) bool {
	return CodeOf(err) == CodeEmbeddingUnavailable
}

// IsDeadlineExceeded reports whether err is a deadline_exceeded error.
func IsDeadlineExceeded(err error) bool {
	return CodeOf(err) == CodeDeadlineExceeded
}
