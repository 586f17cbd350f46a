// ABOUTME: Typed error taxonomy for the tool-facing surface
// ABOUTME: Maps package sentinel errors to machine-readable codes for wire rendering

package mesh

import (
	"errors"

	"github.com/2389/coven-mesh/internal/meeting"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/router"
	"github.com/2389/coven-mesh/internal/session"
	"github.com/2389/coven-mesh/internal/store"
)

// Code classifies a facade error for callers that render results
// deterministically.
type Code string

const (
	CodeValidation   Code = "validation"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeQueueFull    Code = "queue_full"
	CodeTimeout      Code = "timeout"
	CodePermission   Code = "permission"
	CodeIncompatible Code = "incompatible"
	CodeInternal     Code = "internal"
)

// Error is the typed result every facade operation returns on failure.
// It never escapes as a panic and always carries a machine-readable code.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Errorf builds a facade error with no underlying cause.
func Errorf(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Convert maps any error to the facade taxonomy. A nil error stays nil; an
// error that is already an *Error passes through unchanged.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	out := &Error{Message: err.Error(), cause: err}

	var payloadErr *router.PayloadError
	switch {
	case errors.As(err, &payloadErr):
		out.Code = CodeValidation
		out.Details = payloadErr.Violations
	case errors.Is(err, protocol.ErrInvalidDefinition),
		errors.Is(err, meeting.ErrNoParticipants):
		out.Code = CodeValidation
	case errors.Is(err, protocol.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, meeting.ErrNotRunning):
		out.Code = CodeNotFound
	case errors.Is(err, protocol.ErrDuplicate),
		errors.Is(err, store.ErrDecisionExists),
		errors.Is(err, meeting.ErrNotPending),
		errors.Is(err, meeting.ErrNotYourTurn),
		errors.Is(err, meeting.ErrNoPendingTurn),
		errors.Is(err, meeting.ErrNotVoting),
		errors.Is(err, meeting.ErrAlreadyVoted):
		out.Code = CodeConflict
	case errors.Is(err, session.ErrQueueFull):
		out.Code = CodeQueueFull
	case errors.Is(err, router.ErrPermissionDenied),
		errors.Is(err, meeting.ErrNotParticipant):
		out.Code = CodePermission
	default:
		out.Code = CodeInternal
	}
	return out
}
