package domain

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers should react to them.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindEngineTimeout       Kind = "engine_timeout"
	KindEngineProcess       Kind = "engine_process"
	KindEngineBusy          Kind = "engine_busy"
	KindSignature           Kind = "signature"
	KindBroadcast           Kind = "broadcast"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindTransactionFailed   Kind = "transaction_failed"
)

// Error carries a Kind through wrapping. Two Errors match under errors.Is
// when their kinds are equal.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" && t.Message != e.Message {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrInvalidDifficulty   = &Error{Kind: KindInvalidRequest, Message: "invalid difficulty"}
	ErrNoLegalMove         = &Error{Kind: KindInvalidRequest, Message: "position has no legal moves"}
	ErrEngineTimeout       = &Error{Kind: KindEngineTimeout}
	ErrEngineProcess       = &Error{Kind: KindEngineProcess}
	ErrEngineBusy          = &Error{Kind: KindEngineBusy}
	ErrSignature           = &Error{Kind: KindSignature}
	ErrBroadcast           = &Error{Kind: KindBroadcast}
	ErrConfirmationTimeout = &Error{Kind: KindConfirmationTimeout}
	ErrTransactionFailed   = &Error{Kind: KindTransactionFailed}
)

// E builds an Error of the given kind.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the first Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
