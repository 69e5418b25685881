// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"bytes"
	"fmt"
	"strconv"
)

// Kind identifies the grammatical role of a protocol line.
type Kind int

const (
	// KindCommand is a client request: a verb and an optional raw
	// argument string.
	KindCommand Kind = iota
	// KindData is a "D " line; its payload arrives percent-decoded.
	KindData
	// KindInquire asks the peer to supply data before the pending
	// operation can complete.
	KindInquire
	// KindStatus is an "S " line carrying out-of-band information.
	KindStatus
	// KindOK terminates an operation successfully.
	KindOK
	// KindErr terminates an operation with a numeric code and
	// description.
	KindErr
	// KindEnd terminates the data of an inquiry response.
	KindEnd
	// KindCancel aborts an open inquiry ("CAN").
	KindCancel
	// KindComment is a "#" line; sessions skip it without reply.
	KindComment
)

// String returns the wire keyword for the kind, for log output.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindData:
		return "D"
	case KindInquire:
		return "INQUIRE"
	case KindStatus:
		return "S"
	case KindOK:
		return "OK"
	case KindErr:
		return "ERR"
	case KindEnd:
		return "END"
	case KindCancel:
		return "CAN"
	case KindComment:
		return "comment"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Line is one parsed protocol line. Values are immutable once produced
// by Classify or a constructor.
type Line struct {
	// Kind selects which of the remaining fields are meaningful.
	Kind Kind

	// Verb holds the command verb (KindCommand) or the keyword of a
	// status or inquiry line.
	Verb string

	// Args is the raw remainder of the line: command arguments, status
	// or inquiry arguments, OK info text, or the ERR description.
	// Kept unsplit because verbs define their own parameter syntax.
	Args string

	// Data is the decoded payload of a KindData line.
	Data []byte

	// Code is the numeric error code of a KindErr line.
	Code uint64
}

// Constructors for the variants a relay emits.

// Command builds a command line.
func Command(verb, args string) Line { return Line{Kind: KindCommand, Verb: verb, Args: args} }

// Data builds a data line carrying raw (unescaped) payload bytes.
func Data(payload []byte) Line { return Line{Kind: KindData, Data: payload} }

// Inquire builds an inquiry line.
func Inquire(keyword, args string) Line { return Line{Kind: KindInquire, Verb: keyword, Args: args} }

// Status builds a status line.
func Status(keyword, args string) Line { return Line{Kind: KindStatus, Verb: keyword, Args: args} }

// OK builds a success line with optional info text.
func OK(info string) Line { return Line{Kind: KindOK, Args: info} }

// Err builds a failure line.
func Err(code uint64, description string) Line {
	return Line{Kind: KindErr, Code: code, Args: description}
}

// End builds an END line.
func End() Line { return Line{Kind: KindEnd} }

// Cancel builds a CAN line.
func Cancel() Line { return Line{Kind: KindCancel} }

// Classify parses one raw line (without its terminator) into a Line.
// Dispatch is on the leading token: "D " (data), "OK", "ERR", "S",
// "INQUIRE", "END", "CAN", "#" (comment); anything else is a command
// whose verb is the first space-delimited token. Malformed lines fail
// with a *ProtocolError.
func Classify(raw []byte) (Line, error) {
	if len(raw) == 0 {
		return Line{}, &ProtocolError{Code: CodeInvalidLine, Message: "empty line"}
	}
	if raw[0] == '#' {
		return Line{Kind: KindComment, Args: string(bytes.TrimPrefix(raw[1:], []byte(" ")))}, nil
	}
	if len(raw) >= 2 && raw[0] == 'D' && raw[1] == ' ' {
		payload, err := Unescape(raw[2:])
		if err != nil {
			return Line{}, err
		}
		return Line{Kind: KindData, Data: payload}, nil
	}

	token, rest := splitToken(raw)
	switch token {
	case "D":
		// Bare "D" with no payload byte: an empty data line.
		return Line{Kind: KindData, Data: []byte{}}, nil
	case "OK":
		return Line{Kind: KindOK, Args: rest}, nil
	case "ERR":
		codeText, description := splitToken([]byte(rest))
		code, err := strconv.ParseUint(codeText, 10, 64)
		if err != nil {
			return Line{}, &ProtocolError{Code: CodeInvalidLine, Message: "malformed error line"}
		}
		return Line{Kind: KindErr, Code: code, Args: description}, nil
	case "S":
		keyword, args := splitToken([]byte(rest))
		if keyword == "" {
			return Line{}, &ProtocolError{Code: CodeInvalidLine, Message: "status line missing keyword"}
		}
		return Line{Kind: KindStatus, Verb: keyword, Args: args}, nil
	case "INQUIRE":
		keyword, args := splitToken([]byte(rest))
		if keyword == "" {
			return Line{}, &ProtocolError{Code: CodeInvalidLine, Message: "inquiry line missing keyword"}
		}
		return Line{Kind: KindInquire, Verb: keyword, Args: args}, nil
	case "END":
		return Line{Kind: KindEnd}, nil
	case "CAN":
		return Line{Kind: KindCancel}, nil
	}
	return Line{Kind: KindCommand, Verb: token, Args: rest}, nil
}

// splitToken splits raw at the first space into a leading token and
// the remainder. The remainder keeps any interior spacing.
func splitToken(raw []byte) (string, string) {
	if i := bytes.IndexByte(raw, ' '); i >= 0 {
		return string(raw[:i]), string(raw[i+1:])
	}
	return string(raw), ""
}

// AppendEncode appends the wire form of the line, including the
// terminating newline, to dst. Data payloads are percent-encoded.
func (l Line) AppendEncode(dst []byte) []byte {
	switch l.Kind {
	case KindCommand:
		dst = append(dst, l.Verb...)
		if l.Args != "" {
			dst = append(dst, ' ')
			dst = append(dst, l.Args...)
		}
	case KindData:
		dst = append(dst, 'D', ' ')
		dst = AppendEscape(dst, l.Data)
	case KindInquire:
		dst = append(dst, "INQUIRE "...)
		dst = append(dst, l.Verb...)
		if l.Args != "" {
			dst = append(dst, ' ')
			dst = append(dst, l.Args...)
		}
	case KindStatus:
		dst = append(dst, 'S', ' ')
		dst = append(dst, l.Verb...)
		if l.Args != "" {
			dst = append(dst, ' ')
			dst = append(dst, l.Args...)
		}
	case KindOK:
		dst = append(dst, 'O', 'K')
		if l.Args != "" {
			dst = append(dst, ' ')
			dst = append(dst, l.Args...)
		}
	case KindErr:
		dst = append(dst, "ERR "...)
		dst = strconv.AppendUint(dst, l.Code, 10)
		if l.Args != "" {
			dst = append(dst, ' ')
			dst = append(dst, l.Args...)
		}
	case KindEnd:
		dst = append(dst, "END"...)
	case KindCancel:
		dst = append(dst, "CAN"...)
	case KindComment:
		dst = append(dst, '#')
		if l.Args != "" {
			dst = append(dst, ' ')
			dst = append(dst, l.Args...)
		}
	}
	return append(dst, '\n')
}

// Encode returns the wire form of the line, including the terminating
// newline.
func (l Line) Encode() []byte {
	return l.AppendEncode(nil)
}

// AppendDataLines appends payload to dst as one or more data lines,
// splitting so that every encoded line fits within MaxLineLength.
// Data-line boundaries are not semantic — the peer concatenates
// payloads — so splitting is always safe. An empty payload produces a
// single empty data line.
func AppendDataLines(dst, payload []byte) []byte {
	// "D ", the terminator, and the worst-case three encoded bytes
	// per payload byte bound each line's raw capacity.
	const budget = MaxLineLength - 3
	if len(payload) == 0 {
		return Data(nil).AppendEncode(dst)
	}
	for len(payload) > 0 {
		used, n := 0, 0
		for n < len(payload) {
			cost := 1
			if escapeNeeded(payload[n]) {
				cost = 3
			}
			if used+cost > budget {
				break
			}
			used += cost
			n++
		}
		dst = Data(payload[:n]).AppendEncode(dst)
		payload = payload[n:]
	}
	return dst
}
