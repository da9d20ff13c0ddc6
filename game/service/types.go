package service

import (
	"errors"
	"fmt"
)

// Kind classifies coordinator failures.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidState    Kind = "invalid_state"
	KindUnauthorized    Kind = "unauthorized"
	KindIllegalMove     Kind = "illegal_move"
	KindConflict        Kind = "conflict"
	KindUpstreamFailure Kind = "upstream_failure"
)

// Reasons refine a Kind.
const (
	ReasonNotActive       = "not_active"
	ReasonNotJoinable     = "not_joinable"
	ReasonNotAPlayer      = "not_a_player"
	ReasonNotYourTurn     = "not_your_turn"
	ReasonInvalidIdentity = "invalid_identity"
	ReasonUnknownMode     = "unknown_mode"
)

// Error is the typed failure returned by every Coordinator operation.
type Error struct {
	Kind      Kind
	Reason    string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.SessionID != "" {
		msg = fmt.Sprintf("session %s: %s", e.SessionID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, and by reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrNotActive    = &Error{Kind: KindInvalidState, Reason: ReasonNotActive}
	ErrNotJoinable  = &Error{Kind: KindInvalidState, Reason: ReasonNotJoinable}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrNotAPlayer   = &Error{Kind: KindUnauthorized, Reason: ReasonNotAPlayer}
	ErrNotYourTurn  = &Error{Kind: KindUnauthorized, Reason: ReasonNotYourTurn}
	ErrIllegalMove  = &Error{Kind: KindIllegalMove}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrUpstream     = &Error{Kind: KindUpstreamFailure}
)

// KindOf returns the Kind carried by err, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the Reason carried by err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func newError(kind Kind, reason, sessionID string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, SessionID: sessionID, Err: err}
}
