package models

import "errors"

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrConflict           = errors.New("conflict")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// Stable error codes returned to callers.
const (
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeNotFound           = "NOT_FOUND"
	CodePreconditionFailed = "FAILED_PRECONDITION"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeConflict           = "CONFLICT"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeInternal           = "INTERNAL"
)

// Code maps an error chain to its stable code. Unknown errors are INTERNAL.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPreconditionFailed):
		return CodePreconditionFailed
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}
