package recorder

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoSource         = errors.New("no capture source")
	ErrInsecureContext  = errors.New("insecure context")
	ErrUnsupported      = errors.New("screen capture unsupported")
	ErrAlreadyRecording = errors.New("recording is already in progress")
)

type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindNoSource         ErrorKind = "no-source"
	KindInsecureContext  ErrorKind = "insecure-context"
	KindAborted          ErrorKind = "aborted"
	KindUnsupported      ErrorKind = "unsupported"
)

// CaptureError is a failed attempt to start capturing, categorized for the
// user.
type CaptureError struct {
	Kind ErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("screen capture failed (%s): %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Message is the human-readable text shown to the user.
func (e *CaptureError) Message() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Screen recording permission was denied. Allow screen capture and try again."
	case KindNoSource:
		return "No screen, window or tab is available to record."
	case KindInsecureContext:
		return "Screen recording requires a secure (https or localhost) page."
	case KindUnsupported:
		return "Screen recording is not supported on this system."
	default:
		return "Screen recording was cancelled before it started."
	}
}

func classify(err error) *CaptureError {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindAborted
	switch {
	case errors.Is(err, ErrPermissionDenied):
		kind = KindPermissionDenied
	case errors.Is(err, ErrNoSource):
		kind = KindNoSource
	case errors.Is(err, ErrInsecureContext):
		kind = KindInsecureContext
	case errors.Is(err, ErrUnsupported):
		kind = KindUnsupported
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindAborted
	}
	return &CaptureError{Kind: kind, Err: err}
}
