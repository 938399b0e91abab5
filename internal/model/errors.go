package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a missing analysis, upload file, or job.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest marks structurally invalid input.
	ErrBadRequest = errors.New("bad request")
)

// Error codes reported by the CLIs.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL"
)

type codedError struct {
	kind  error
	msg   string
	cause error
}

func (e *codedError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *codedError) Is(target error) bool { return target == e.kind }

func (e *codedError) Unwrap() error { return e.cause }

// NotFoundf returns an error matching ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return &codedError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

// BadRequestf returns an error matching ErrBadRequest.
func BadRequestf(format string, args ...any) error {
	return &codedError{kind: ErrBadRequest, msg: fmt.Sprintf(format, args...)}
}

// BadRequestWrap returns an error matching ErrBadRequest that also unwraps to cause.
func BadRequestWrap(cause error, format string, args ...any) error {
	return &codedError{kind: ErrBadRequest, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Code maps an error to its taxonomy code. The outermost coded error wins,
// so a BadRequest wrapping a NotFound cause reports BAD_REQUEST.
func Code(err error) string {
	var ce *codedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		if ce.kind == ErrNotFound {
			return CodeNotFound
		}
		return CodeBadRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
