// Package apierr defines the error taxonomy shared by the session engine,
// the container adapter, and the HTTP surface. Errors are converted to this
// taxonomy at the adapter boundary so that callers never need to catch
// engine-specific exceptions.
package apierr

import (
	"errors"
	"fmt"
)

// Code identifies one of the error kinds the HTTP surface knows how to
// translate into a status code.
type Code string

const (
	InvalidInput      Code = "INVALID_INPUT"
	Unauthorized      Code = "UNAUTHORIZED"
	SessionNotFound   Code = "SESSION_NOT_FOUND"
	PatchFailed       Code = "PATCH_FAILED"
	EngineUnavailable Code = "ENGINE_UNAVAILABLE"
	EngineError       Code = "ENGINE_ERROR"
	InvalidArchive    Code = "INVALID_ARCHIVE"
	ImageNotFound     Code = "IMAGE_NOT_FOUND"
	ContainerGone     Code = "CONTAINER_GONE"
	PathNotFound      Code = "PATH_NOT_FOUND"
	VolumeInUse       Code = "VOLUME_IN_USE"
	NotFound          Code = "NOT_FOUND"
)

// Error wraps a Code with a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying cause as the underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf extracts the Code from err, defaulting to EngineError when err is
// not an *Error (or nil, in which case the zero Code is returned).
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EngineError
}
