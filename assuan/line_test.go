// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		raw  string
		want Line
	}{
		{"SIGN --hash=sha512", Line{Kind: KindCommand, Verb: "SIGN", Args: "--hash=sha512"}},
		{"RESET", Line{Kind: KindCommand, Verb: "RESET"}},
		{"D secret%0Avalue", Line{Kind: KindData, Data: []byte("secret\nvalue")}},
		{"D", Line{Kind: KindData, Data: []byte{}}},
		{"OK", Line{Kind: KindOK}},
		{"OK Pleased to meet you", Line{Kind: KindOK, Args: "Pleased to meet you"}},
		{"ERR 67108891 Unknown IPC command", Line{Kind: KindErr, Code: 67108891, Args: "Unknown IPC command"}},
		{"S KEYINFO 123 D - - -", Line{Kind: KindStatus, Verb: "KEYINFO", Args: "123 D - - -"}},
		{"INQUIRE CIPHERTEXT", Line{Kind: KindInquire, Verb: "CIPHERTEXT"}},
		{"END", Line{Kind: KindEnd}},
		{"CAN", Line{Kind: KindCancel}},
		{"# just a comment", Line{Kind: KindComment, Args: "just a comment"}},
	}
	for _, c := range cases {
		got, err := Classify([]byte(c.raw))
		if err != nil {
			t.Errorf("Classify(%q): %v", c.raw, err)
			continue
		}
		if got.Kind != c.want.Kind || got.Verb != c.want.Verb || got.Args != c.want.Args || got.Code != c.want.Code {
			t.Errorf("Classify(%q) = %+v, want %+v", c.raw, got, c.want)
		}
		if !bytes.Equal(got.Data, c.want.Data) {
			t.Errorf("Classify(%q) data = %q, want %q", c.raw, got.Data, c.want.Data)
		}
	}
}

func TestClassifyMalformed(t *testing.T) {
	cases := []string{
		"",
		"ERR notanumber",
		"S",
		"INQUIRE",
		"D %zz",
	}
	for _, raw := range cases {
		_, err := Classify([]byte(raw))
		var protocolErr *ProtocolError
		if !errors.As(err, &protocolErr) {
			t.Errorf("Classify(%q): expected *ProtocolError, got %v", raw, err)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	lines := []Line{
		Command("GET_PASSPHRASE", "--data X Y Z"),
		Data([]byte("binary\x00\r\n%payload")),
		Inquire("CIPHERTEXT", ""),
		Status("PROGRESS", "x 0 0"),
		OK("done"),
		OK(""),
		Err(1024, "no such key"),
		End(),
		Cancel(),
	}
	for _, line := range lines {
		encoded := line.Encode()
		if encoded[len(encoded)-1] != '\n' {
			t.Fatalf("Encode(%v) missing terminator: %q", line.Kind, encoded)
		}
		got, err := Classify(encoded[:len(encoded)-1])
		if err != nil {
			t.Fatalf("Classify(Encode(%v)): %v", line.Kind, err)
		}
		if got.Kind != line.Kind || got.Verb != line.Verb || got.Args != line.Args || got.Code != line.Code {
			t.Errorf("round trip %v: got %+v, want %+v", line.Kind, got, line)
		}
		if !bytes.Equal(got.Data, line.Data) {
			t.Errorf("round trip %v data: got %q, want %q", line.Kind, got.Data, line.Data)
		}
	}
}

func TestAppendDataLinesSplitsLongPayloads(t *testing.T) {
	// Payload of reserved bytes costs three encoded bytes each, so
	// this cannot fit on one line.
	payload := bytes.Repeat([]byte{'%'}, 2000)
	encoded := AppendDataLines(nil, payload)

	var decoded []byte
	for _, raw := range bytes.Split(bytes.TrimSuffix(encoded, []byte{'\n'}), []byte{'\n'}) {
		if len(raw) == 0 {
			t.Fatalf("empty line in split output")
		}
		if len(raw)+1 > MaxLineLength {
			t.Fatalf("encoded line exceeds MaxLineLength: %d bytes", len(raw)+1)
		}
		line, err := Classify(raw)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if line.Kind != KindData {
			t.Fatalf("unexpected %v line", line.Kind)
		}
		decoded = append(decoded, line.Data...)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("reassembled payload differs: %d bytes vs %d", len(decoded), len(payload))
	}
}

func TestAppendDataLinesEmptyPayload(t *testing.T) {
	encoded := AppendDataLines(nil, nil)
	if got := string(encoded); got != "D\n" {
		t.Errorf("AppendDataLines(nil) = %q, want %q", got, "D\n")
	}
}

func TestKindString(t *testing.T) {
	if s := KindInquire.String(); s != "INQUIRE" {
		t.Errorf("KindInquire.String() = %q", s)
	}
	if s := Kind(99).String(); !strings.Contains(s, "99") {
		t.Errorf("unknown kind string = %q", s)
	}
}
