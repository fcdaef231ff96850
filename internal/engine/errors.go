// Package engine drives the conversation loop: streaming LLM turns,
// tool-call parsing and validation, approval gating, tool execution,
// self-correction feedback, and context-window accounting.
//
// This file classifies turn failures. Validation, unknown-tool, and
// tool-execution failures never become turn errors: they are fed back to
// the model as error-marked tool results. Only failures that end the
// turn carry a kind; everything except ErrKindFatal is recoverable at
// the prompt.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a turn-ending failure.
type ErrorKind string

const (
	ErrKindApprovalDenied ErrorKind = "approval_denied"
	ErrKindLLMTransport   ErrorKind = "llm_transport"
	ErrKindCancelled      ErrorKind = "cancelled"
	ErrKindFatal          ErrorKind = "fatal"
)

// TurnError wraps a failure with its classification.
type TurnError struct {
	Kind ErrorKind
	Err  error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// NewTurnError builds a classified turn error.
func NewTurnError(kind ErrorKind, err error) *TurnError {
	return &TurnError{Kind: kind, Err: err}
}

// KindOf returns the classification of err, or "" when err is not a
// TurnError.
func KindOf(err error) ErrorKind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsFatal reports an engine invariant violation. Fatal errors are bugs,
// not recoverable conditions; the process terminates on them.
func IsFatal(err error) bool {
	return KindOf(err) == ErrKindFatal
}
