// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
)

// Request is one decoded client operation. It is created when a
// session finishes receiving a full command line (plus any inquiry-fed
// data), handed to the executor exactly once per submission, and
// discarded after its reply is sent.
type Request struct {
	// ID correlates the request across submissions, cancellation, and
	// log output. Unique per service instance.
	ID uint64

	// SessionID identifies the client connection. Stateful backends
	// key per-connection upstream state on it.
	SessionID uint64

	// Verb is the command verb, the first token of the command line.
	Verb string

	// Args is the raw remainder of the command line. Verbs define
	// their own parameter syntax, so the relay never tokenizes it.
	Args string

	// Data holds the ordered decoded chunks the client attached
	// through inquiry rounds. A resubmitted request carries every
	// chunk received so far.
	Data [][]byte
}

// StatusLine is one out-of-band "S" line of a reply.
type StatusLine struct {
	Keyword string
	Args    string
}

// ReplyError is the failure outcome of a reply: the numeric code and
// description carried on the ERR line.
type ReplyError struct {
	Code        uint64
	Description string
}

// Reply is the terminal outcome of one request. Err nil means success.
type Reply struct {
	// Status lines are written to the client before any data, in
	// order.
	Status []StatusLine

	// Data chunks are written as percent-encoded data lines, in
	// order, after status lines and before the closing OK or ERR.
	Data [][]byte

	// Info is optional text for the closing OK line.
	Info string

	// Err, when set, replaces the closing OK with an ERR line.
	Err *ReplyError
}

// Inquiry asks the client to supply additional data before the pending
// operation can complete.
type Inquiry struct {
	Keyword string
	Args    string
}

// Result is the outcome of one executor call: either a terminal reply
// or an inquiry continuation. Exactly one field is set.
type Result struct {
	Reply   *Reply
	Inquire *Inquiry
}

// ErrBackendUnavailable marks executor failures caused by an
// unreachable backend. Executors wrap it so sessions can log
// connectivity loss distinctly from ordinary command failure.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Executor performs decoded operations on behalf of sessions. The
// relay depends only on this contract, so a direct local call, a
// remote boundary, or a test stub can be substituted without touching
// the protocol layer.
//
// Implementations must be safe for concurrent use by many sessions.
type Executor interface {
	// Execute performs one request. It may block; the context is
	// cancelled when the session closes or the request times out.
	// Returning a Result with Inquire set suspends the operation
	// until the session resubmits the request with attached data.
	Execute(ctx context.Context, request *Request) (*Result, error)

	// Cancel abandons the identified in-flight request, best-effort.
	// Cancellation failures are ignored by callers.
	Cancel(id uint64)
}

// SessionObserver is optionally implemented by executors that hold
// per-session state (for example one upstream connection per client
// connection). The relay detects it by type assertion and notifies on
// session open and close.
type SessionObserver interface {
	SessionOpened(sessionID uint64)
	SessionClosed(sessionID uint64)
}

// ExecutorFunc adapts a function to the Executor interface, with a
// no-op Cancel. Used by tests and simple local backends.
type ExecutorFunc func(ctx context.Context, request *Request) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, request *Request) (*Result, error) {
	return f(ctx, request)
}

// Cancel implements Executor.
func (ExecutorFunc) Cancel(uint64) {}

// ReplyResult wraps a terminal reply as a Result.
func ReplyResult(reply *Reply) *Result { return &Result{Reply: reply} }

// InquireResult wraps an inquiry continuation as a Result.
func InquireResult(keyword, args string) *Result {
	return &Result{Inquire: &Inquiry{Keyword: keyword, Args: args}}
}

// OKReply is a bare success reply.
func OKReply() *Reply { return &Reply{} }

// ErrReply is a bare failure reply.
func ErrReply(code uint64, description string) *Reply {
	return &Reply{Err: &ReplyError{Code: code, Description: description}}
}
