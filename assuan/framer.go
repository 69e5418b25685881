// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"bytes"
	"errors"
)

// MaxLineLength is the protocol's fixed line bound, terminator
// included. Lines that exceed it are rejected rather than buffered
// without bound.
const MaxLineLength = 1000

// ErrNeedMore is returned by Framer.Next when the buffer holds no
// complete line. Push more input and call Next again.
var ErrNeedMore = errors.New("assuan: need more input")

// Framer incrementally splits a byte stream into classified protocol
// lines. Feeding a stream split at arbitrary boundaries yields the
// identical line sequence as feeding it whole.
//
// The internal buffer never holds more than one incomplete line: once
// buffered input reaches MaxLineLength without a terminator, Next
// reports ErrLineTooLong exactly once and the framer discards input
// through the next terminator before resuming.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	buf      []byte
	skipping bool
}

// Push appends raw input to the framer's buffer.
func (f *Framer) Push(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next returns the next complete classified line. It returns
// ErrNeedMore when only a partial line is buffered, ErrLineTooLong
// when a line exceeds MaxLineLength, and a *ProtocolError when a
// complete line fails classification. After any error the framer
// remains usable; the offending line has been consumed.
func (f *Framer) Next() (Line, error) {
	for {
		if f.skipping {
			i := bytes.IndexByte(f.buf, '\n')
			if i < 0 {
				f.buf = f.buf[:0]
				return Line{}, ErrNeedMore
			}
			f.buf = f.buf[i+1:]
			f.skipping = false
		}

		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			if len(f.buf) >= MaxLineLength {
				// Report once, then discard until the terminator
				// arrives.
				f.buf = f.buf[:0]
				f.skipping = true
				return Line{}, ErrLineTooLong
			}
			return Line{}, ErrNeedMore
		}
		if i+1 > MaxLineLength {
			f.buf = f.buf[i+1:]
			return Line{}, ErrLineTooLong
		}

		raw := f.buf[:i]
		f.buf = f.buf[i+1:]
		// Tolerate CRLF terminators; a CR inside data is escaped, so
		// a trailing CR is always terminator padding.
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		if len(raw) == 0 {
			// Blank lines are terminator noise, not protocol input.
			continue
		}
		return Classify(raw)
	}
}
