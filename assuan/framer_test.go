// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// drain pulls every available line (or error) out of the framer.
func drain(f *Framer) []incoming {
	var items []incoming
	for {
		line, err := f.Next()
		if errors.Is(err, ErrNeedMore) {
			return items
		}
		items = append(items, incoming{line, err})
	}
}

type incoming struct {
	line Line
	err  error
}

func TestFramerChunkingIsIrrelevant(t *testing.T) {
	stream := []byte("RESET\r\nSIGN --hash=sha512\nD part%0Aone\nEND\n# noise\nOK all good\n")

	var whole Framer
	whole.Push(stream)
	wantItems := drain(&whole)
	if len(wantItems) != 6 {
		t.Fatalf("expected 6 lines from whole stream, got %d", len(wantItems))
	}

	// Feed the identical stream one byte at a time.
	var bytewise Framer
	var gotItems []incoming
	for i := range stream {
		bytewise.Push(stream[i : i+1])
		gotItems = append(gotItems, drain(&bytewise)...)
	}

	if len(gotItems) != len(wantItems) {
		t.Fatalf("byte-at-a-time produced %d lines, whole stream %d", len(gotItems), len(wantItems))
	}
	for i := range wantItems {
		want, got := wantItems[i], gotItems[i]
		if got.line.Kind != want.line.Kind || got.line.Verb != want.line.Verb || got.line.Args != want.line.Args {
			t.Errorf("line %d: got %+v, want %+v", i, got.line, want.line)
		}
		if !bytes.Equal(got.line.Data, want.line.Data) {
			t.Errorf("line %d data: got %q, want %q", i, got.line.Data, want.line.Data)
		}
	}
}

func TestFramerOversizeLineReportedOnceThenRecovers(t *testing.T) {
	var framer Framer

	// An unterminated run well past the limit: one ErrLineTooLong,
	// then silence until the terminator shows up.
	framer.Push(bytes.Repeat([]byte{'x'}, MaxLineLength))
	if _, err := framer.Next(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	framer.Push(bytes.Repeat([]byte{'x'}, 500))
	if _, err := framer.Next(); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("expected ErrNeedMore while skipping, got %v", err)
	}

	// The terminator ends the oversize line; the next line parses
	// normally.
	framer.Push([]byte("tail\nRESET\n"))
	line, err := framer.Next()
	if err != nil {
		t.Fatalf("expected recovery after oversize line, got %v", err)
	}
	if line.Kind != KindCommand || line.Verb != "RESET" {
		t.Errorf("recovered line = %+v", line)
	}
}

func TestFramerCompleteOversizeLine(t *testing.T) {
	var framer Framer
	framer.Push([]byte(strings.Repeat("y", MaxLineLength) + "\nRESET\n"))

	if _, err := framer.Next(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	line, err := framer.Next()
	if err != nil {
		t.Fatalf("expected next line after oversize, got %v", err)
	}
	if line.Verb != "RESET" {
		t.Errorf("line after oversize = %+v", line)
	}
}

func TestFramerBoundaryLengths(t *testing.T) {
	// A line of exactly MaxLineLength bytes including the terminator
	// is accepted; one byte more is not.
	var framer Framer
	exact := strings.Repeat("a", MaxLineLength-1) + "\n"
	framer.Push([]byte(exact))
	line, err := framer.Next()
	if err != nil {
		t.Fatalf("line at the limit rejected: %v", err)
	}
	if line.Kind != KindCommand {
		t.Errorf("line at the limit = %+v", line)
	}

	over := strings.Repeat("b", MaxLineLength) + "\n"
	framer.Push([]byte(over))
	if _, err := framer.Next(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("line over the limit accepted: %v", err)
	}
}

func TestFramerSkipsBlankLines(t *testing.T) {
	var framer Framer
	framer.Push([]byte("\n\r\nRESET\n\n"))
	line, err := framer.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if line.Verb != "RESET" {
		t.Errorf("line = %+v", line)
	}
	if _, err := framer.Next(); !errors.Is(err, ErrNeedMore) {
		t.Errorf("trailing blank line should be skipped, got %v", err)
	}
}

func TestFramerMalformedLineIsConsumed(t *testing.T) {
	var framer Framer
	framer.Push([]byte("D %zz\nRESET\n"))

	_, err := framer.Next()
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	line, err := framer.Next()
	if err != nil {
		t.Fatalf("framer did not recover: %v", err)
	}
	if line.Verb != "RESET" {
		t.Errorf("line after malformed = %+v", line)
	}
}
