// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"bytes"
	"errors"
	"testing"
)

func TestEscapeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("plain text"),
		[]byte("percent % sign"),
		[]byte("line\nbreak"),
		[]byte("carriage\rreturn"),
		{0, 1, 2, '%', '\r', '\n', 0xff},
		bytes.Repeat([]byte{'%'}, 100),
	}
	for _, input := range cases {
		encoded := Escape(input)
		decoded, err := Unescape(encoded)
		if err != nil {
			t.Fatalf("Unescape(%q): %v", encoded, err)
		}
		if !bytes.Equal(decoded, input) {
			t.Errorf("round trip %q: got %q", input, decoded)
		}
	}
}

func TestEscapeReservedBytes(t *testing.T) {
	encoded := Escape([]byte{'%', '\r', '\n', 0})
	want := "%25%0D%0A%00"
	if string(encoded) != want {
		t.Errorf("Escape = %q, want %q", encoded, want)
	}
	// Everything else passes through untouched.
	encoded = Escape([]byte("D OK # \t"))
	if string(encoded) != "D OK # \t" {
		t.Errorf("Escape passed-through bytes changed: %q", encoded)
	}
}

func TestUnescapeAcceptsLowercaseHex(t *testing.T) {
	decoded, err := Unescape([]byte("a%0ab%0Dc"))
	if err != nil {
		t.Fatalf("Unescape: %v", err)
	}
	if !bytes.Equal(decoded, []byte("a\nb\rc")) {
		t.Errorf("decoded = %q", decoded)
	}
}

func TestUnescapeRejectsMalformedEscapes(t *testing.T) {
	cases := []string{"%", "%2", "trailing%", "%zz", "%2x", "%%25"}
	for _, input := range cases {
		_, err := Unescape([]byte(input))
		var protocolErr *ProtocolError
		if !errors.As(err, &protocolErr) {
			t.Errorf("Unescape(%q): expected *ProtocolError, got %v", input, err)
			continue
		}
		if protocolErr.Code != CodeBadEscape {
			t.Errorf("Unescape(%q): code = %#x, want %#x", input, protocolErr.Code, CodeBadEscape)
		}
	}
}
