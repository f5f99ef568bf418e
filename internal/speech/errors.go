package speech

import (
	"errors"
	"fmt"
)

// ErrSuperseded is returned when a newer remote request was issued before this one finished.
var ErrSuperseded = errors.New("speech request superseded by a newer request")

// CapabilityError means the host lacks the requested engine.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s is not supported on this host", e.Capability)
}

// StartError wraps a platform failure while acquiring an engine.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// PlatformError carries a host error code such as "no-speech" or "audio-capture".
type PlatformError struct {
	Source string
	Code   string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Source, e.Code)
}

// ValidationError rejects caller input before any I/O.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RemoteError is a failed remote synthesis call. Status is zero when the request never
// produced a response.
type RemoteError struct {
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ErrorCode maps an error to the short code reported to consumers.
func ErrorCode(err error) string {
	var (
		capErr      *CapabilityError
		startErr    *StartError
		platformErr *PlatformError
		validErr    *ValidationError
		remoteErr   *RemoteError
	)
	switch {
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.As(err, &capErr):
		return "unsupported"
	case errors.As(err, &startErr):
		return "start-failed"
	case errors.As(err, &platformErr):
		return platformErr.Code
	case errors.As(err, &validErr):
		return "invalid-" + validErr.Field
	case errors.As(err, &remoteErr):
		return "remote"
	default:
		return "internal"
	}
}
