package vk

import (
	"errors"
	"fmt"
)

// Service error codes that indicate the access token is no longer valid.
const (
	codeAuthFailed       = 5
	codeValidationNeeded = 17
)

// AuthError means the service rejected our credentials or token. The affected
// flow halts and reauthentication must be driven externally.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization failed (code %d): %s", e.Code, e.Message)
}

// ProtocolError is a well-formed service-level rejection. Code and Message
// are preserved verbatim for user display.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("service error %d: %s", e.Code, e.Message)
}

// TransportError is a connection-level failure. Transient errors may be
// retried with backoff by the poll loop; fatal ones are surfaced immediately.
type TransportError struct {
	Transient bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s transport error: %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError means the response failed basic structural
// validation. Fatal for the single operation, never for the engine.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed response: " + e.Reason
}

// UploadPhase identifies where in the pipeline an upload failed.
type UploadPhase string

const (
	PhaseRequestingServer UploadPhase = "REQUESTING_SERVER"
	PhaseUploading        UploadPhase = "UPLOADING"
	PhaseSaving           UploadPhase = "SAVING"
)

// UploadError wraps a phase failure, preserving the underlying error kind.
type UploadError struct {
	Phase UploadPhase
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed at %s: %v", e.Phase, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SyncError wraps a history synchronization failure.
type SyncError struct {
	PeerID int64
	Op     string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("history sync %s for peer %d: %v", e.Op, e.PeerID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient transport error.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Transient
}

// IsAuth reports whether err signals that reauthentication is required.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
