package errors

import (
	"errors"
	"fmt"
)

var (
	ErrFileNotFound        = errors.New("file not found")
	ErrMissingEndpoint     = errors.New("no endpoint configured")
	ErrUploadFailed        = errors.New("upload error")
	ErrUploadCancelled     = errors.New("upload cancelled")
	ErrDelegationFailed    = errors.New("remote upload failed")
	ErrMissingToken        = errors.New("remote worker response has no token")
	ErrJobCreationFailed   = errors.New("could not create job")
	ErrInvalidJobSpec      = errors.New("invalid job spec")
	ErrChannelClosed       = errors.New("event channel closed")
	ErrChannelNotConnected = errors.New("event channel not connected")
)

// Kind classifies where in the pipeline an error originated.
type Kind string

const (
	KindTransport       Kind = "transport"
	KindDelegation      Kind = "delegation"
	KindJobCreation     Kind = "job-creation"
	KindChannelProtocol Kind = "channel-protocol"
	KindCancelled       Kind = "cancelled"
)

// Error carries the failing operation and, for per-file failures, the file ID.
type Error struct {
	Kind   Kind
	Op     string
	FileID string
	Err    error
}

func (e *Error) Error() string {
	if e.FileID != "" {
		return fmt.Sprintf("%s %s (file %s): %v", e.Kind, e.Op, e.FileID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ForFile wraps err with a kind, operation name and file ID.
func ForFile(kind Kind, op, fileID string, err error) *Error {
	return &Error{Kind: kind, Op: op, FileID: fileID, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
