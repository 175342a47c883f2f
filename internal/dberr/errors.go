// Package dberr defines the typed error taxonomy surfaced to clients as
// {code, message} in command and error wire frames.
package dberr

import "fmt"

// Code identifies a class of failure understood by clients.
type Code string

const (
	ProtocolError        Code = "PROTOCOL_ERROR"
	UnsupportedMessage   Code = "UNSUPPORTED_MESSAGE"
	UnsupportedFlag      Code = "UNSUPPORTED_FLAG"
	Capacity             Code = "CAPACITY"
	InvalidCommand       Code = "INVALID_COMMAND"
	UnknownCommand       Code = "UNKNOWN_COMMAND"
	NotFound             Code = "NOT_FOUND"
	DuplicateKey         Code = "DUPLICATE_KEY"
	StorageError         Code = "STORAGE_ERROR"
	InvalidCollection    Code = "INVALID_COLLECTION_NAME"
	CacheClosed          Code = "CACHE_CLOSED"
	FilterInvalid        Code = "FILTER_INVALID"
	QueryTimeout         Code = "QUERY_TIMEOUT"
	CursorNotFound       Code = "CURSOR_NOT_FOUND"
	CursorExpired        Code = "CURSOR_EXPIRED"
	CursorInvalidOptions Code = "CURSOR_INVALID_OPTIONS"
	ResumeMismatch       Code = "RESUME_MISMATCH"
	ResumeStale          Code = "RESUME_STALE"
	InvalidBatch         Code = "INVALID_BATCH"
	BatchError           Code = "BATCH_ERROR"
	AuthFailed           Code = "AUTH_FAILED"
	InternalError        Code = "INTERNAL_ERROR"
)

// Error is a typed, client-facing error. It implements the standard error
// interface and carries the code that a connection handler maps straight
// onto a wire Error message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error with the given code that wraps an underlying
// cause, preserving it for Unwrap/errors.Is chains.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts a *Error from err, returning (nil, false) if err is not one.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// CodeOf returns the code of err if it is a *Error, otherwise InternalError.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return InternalError
}
