// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

// The agent error space packs an origin into the high bits of the code
// carried on ERR lines. Codes minted by the relay itself (rather than
// forwarded from the backend) use this origin so clients can tell the
// two apart.
const relayErrOrigin uint64 = 0x20000000

// Error codes for relay-originated ERR lines.
const (
	// CodeInvalidLine covers lines the grammar cannot classify:
	// empty lines, malformed ERR/S/INQUIRE lines.
	CodeInvalidLine = relayErrOrigin | 0x01

	// CodeLineTooLong reports a line exceeding MaxLineLength.
	CodeLineTooLong = relayErrOrigin | 0x02

	// CodeBadEscape reports a truncated or non-hex percent escape.
	CodeBadEscape = relayErrOrigin | 0x03

	// CodeUnexpectedData reports a data line outside an inquiry.
	CodeUnexpectedData = relayErrOrigin | 0x04

	// CodeUnexpectedEnd reports an END with no open inquiry.
	CodeUnexpectedEnd = relayErrOrigin | 0x05

	// CodeUnexpectedLine reports a line kind the session cannot accept
	// in its current state (e.g. a status line from a client).
	CodeUnexpectedLine = relayErrOrigin | 0x06

	// CodeTimeout reports that the backend did not answer within the
	// configured request timeout.
	CodeTimeout = relayErrOrigin | 0x07

	// CodeBackendUnavailable reports that the backend could not be
	// reached at all.
	CodeBackendUnavailable = relayErrOrigin | 0x08

	// CodeExecutorFailed reports a backend failure other than
	// unreachability.
	CodeExecutorFailed = relayErrOrigin | 0x09

	// CodeInquiryTooLarge reports attached inquiry data exceeding the
	// configured bound.
	CodeInquiryTooLarge = relayErrOrigin | 0x0a

	// CodeInquiryRounds reports more inquiry round-trips than the
	// configured bound allows.
	CodeInquiryRounds = relayErrOrigin | 0x0b

	// CodeInquiryCancelled reports a client CAN aborting an inquiry.
	CodeInquiryCancelled = relayErrOrigin | 0x0c
)

// ProtocolError reports malformed input on the wire. It carries the
// code the session puts on the ERR reply line; protocol errors are
// recovered locally and never terminate a session.
type ProtocolError struct {
	Code    uint64
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// ErrLineTooLong is returned by Framer.Next when a line exceeds
// MaxLineLength. The framer discards input through the next terminator
// and recovers.
var ErrLineTooLong = &ProtocolError{Code: CodeLineTooLong, Message: "line too long"}
