// Package verr defines the error taxonomy surfaced by the VMS core.
// Every error that crosses a service boundary carries a Kind so the
// gateway can map it to a status code without string matching.
package verr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the gateway.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindValidation          Kind = "validation"
	KindUnauthenticated     Kind = "unauthenticated"
	KindUnauthorized        Kind = "unauthorized"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindSpawnFailed         Kind = "spawn_failed"
	KindTranscodeFailed     Kind = "transcode_failed"
	KindPlaylistTimeout     Kind = "playlist_timeout"
	KindFileMissing         Kind = "file_missing"
	KindProtectedRecording  Kind = "protected_recording"
	KindRangeNotSatisfiable Kind = "range_not_satisfiable"
	KindBadPath             Kind = "bad_path"
	KindInternal            Kind = "internal"
)

// Error is a classified error. Msg is safe to surface to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
