package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/sprintsync/internal/transport"
	"github.com/roach88/sprintsync/internal/wire"
)

// ErrorCode categorizes sync failures.
type ErrorCode string

const (
	// ErrCodeTransportUnavailable: the peer is not paired or the channel is
	// closed. Terminal for the attempt.
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"

	// ErrCodeTransportUnreachable: paired but not reachable right now.
	ErrCodeTransportUnreachable ErrorCode = "TRANSPORT_UNREACHABLE"

	// ErrCodeDecodeFailure: a payload or reply could not be understood.
	ErrCodeDecodeFailure ErrorCode = "DECODE_FAILURE"

	// ErrCodeSessionCountMismatch: the decoded count disagrees with the
	// declared one. The batch is rejected whole.
	ErrCodeSessionCountMismatch ErrorCode = "SESSION_COUNT_MISMATCH"

	// ErrCodeRemoteError: the other peer answered with an error.
	ErrCodeRemoteError ErrorCode = "REMOTE_ERROR"

	// ErrCodeStoreFailure: the local store or identity could not be written.
	ErrCodeStoreFailure ErrorCode = "STORE_FAILURE"
)

// SyncError is a classified failure of one reconciliation step.
type SyncError struct {
	Code    ErrorCode
	Message string // user-facing
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *SyncError) Retryable() bool {
	switch e.Code {
	case ErrCodeTransportUnavailable, ErrCodeStoreFailure:
		return false
	default:
		return true
	}
}

var messages = map[ErrorCode]string{
	ErrCodeTransportUnavailable: "Sync unavailable: no paired device",
	ErrCodeTransportUnreachable: "Paired device not reachable",
	ErrCodeDecodeFailure:        "Received data could not be read",
	ErrCodeSessionCountMismatch: "Received an incomplete program",
	ErrCodeRemoteError:          "Paired device reported an error",
	ErrCodeStoreFailure:         "Could not save the program",
}

func newSyncError(code ErrorCode, err error) *SyncError {
	return &SyncError{Code: code, Message: messages[code], Err: err}
}

// Classify wraps err in a SyncError. An error that already is one is
// returned as is.
func Classify(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, transport.ErrUnavailable):
		return newSyncError(ErrCodeTransportUnavailable, err)
	case errors.Is(err, transport.ErrUnreachable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return newSyncError(ErrCodeTransportUnreachable, err)
	case errors.Is(err, wire.ErrSessionCountMismatch):
		return newSyncError(ErrCodeSessionCountMismatch, err)
	case errors.Is(err, wire.ErrDecodeFailure),
		errors.Is(err, wire.ErrUnknownAction),
		errors.Is(err, wire.ErrMalformedFrame),
		errors.Is(err, errUnexpectedReply):
		return newSyncError(ErrCodeDecodeFailure, err)
	default:
		// *transport.RemoteError and anything else the exchange produced.
		return newSyncError(ErrCodeRemoteError, err)
	}
}

// IsCode reports whether err classifies as code.
func IsCode(err error, code ErrorCode) bool {
	se := Classify(err)
	return se != nil && se.Code == code
}

var errUnexpectedReply = errors.New("unexpected reply")

func unexpected(want wire.Action, got wire.Message) error {
	if got == nil {
		return fmt.Errorf("%w: want %s, got nothing", errUnexpectedReply, want)
	}
	return fmt.Errorf("%w: want %s, got %s", errUnexpectedReply, want, got.Action())
}
