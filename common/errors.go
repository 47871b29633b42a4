package common

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the control-plane and ingest-path error categories.
// Control-plane errors surface to HTTP callers through this kind; ingest-path
// errors never surface but are still tagged with a kind for counting and
// logging.
type ErrorKind string

const (
	// ErrValidation the request failed schema/field validation
	ErrValidation ErrorKind = "validation_error"
	// ErrConflict the target resource already exists
	ErrConflict ErrorKind = "conflict"
	// ErrNotFound the target resource does not exist
	ErrNotFound ErrorKind = "not_found"
	// ErrWrongSourceType the operation does not apply to this camera's source type
	ErrWrongSourceType ErrorKind = "wrong_source_type"
	// ErrNoFrameYet the camera has not produced a frame yet
	ErrNoFrameYet ErrorKind = "no_frame_yet"
	// ErrBadFrame the supplied frame bytes could not be decoded
	ErrBadFrame ErrorKind = "bad_frame"
	// ErrBusUnavailable the event bus transport could not be reached (internal, not surfaced)
	ErrBusUnavailable ErrorKind = "bus_unavailable"
	// ErrDecode a single frame failed to decode on the ingest path (counted, not surfaced)
	ErrDecode ErrorKind = "decode_error"
	// ErrSource an RTSP session read/connect failed (counted; drives reconnect)
	ErrSource ErrorKind = "source_error"
)

// IngestError is the single error type every component in this service
// returns. It carries a kind so callers can switch on category instead of
// matching on message text.
type IngestError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *IngestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *IngestError) Unwrap() error {
	return e.Cause
}

// NewError builds an IngestError of the given kind.
func NewError(kind ErrorKind, message string, cause error) *IngestError {
	return &IngestError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to empty string when err
// is not an *IngestError (or is nil).
func KindOf(err error) ErrorKind {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}
