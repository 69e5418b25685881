// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

// Data-line payloads are percent-encoded so that binary bytes travel
// safely over the text line protocol. Exactly four bytes are reserved:
// '%' itself, CR and LF (the line terminators), and NUL. Encoding
// always emits uppercase hex; decoding accepts any two-hex-digit
// escape in either case, matching the agent's own parser.

// escapeNeeded reports whether b must be percent-encoded on a data line.
func escapeNeeded(b byte) bool {
	return b == '%' || b == '\r' || b == '\n' || b == 0
}

const hexUpper = "0123456789ABCDEF"

// AppendEscape appends the percent-encoded form of data to dst and
// returns the extended slice.
func AppendEscape(dst, data []byte) []byte {
	for _, b := range data {
		if !escapeNeeded(b) {
			dst = append(dst, b)
			continue
		}
		dst = append(dst, '%', hexUpper[b>>4], hexUpper[b&0x0f])
	}
	return dst
}

// Escape returns the percent-encoded form of data.
func Escape(data []byte) []byte {
	return AppendEscape(make([]byte, 0, len(data)), data)
}

// Unescape decodes percent escapes in raw. Truncated escapes and
// non-hex digits fail with a *ProtocolError; the input is otherwise
// passed through byte for byte, so Unescape(Escape(data)) always
// returns data exactly.
func Unescape(raw []byte) ([]byte, error) {
	decoded := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != '%' {
			decoded = append(decoded, b)
			continue
		}
		if i+2 >= len(raw) {
			return nil, &ProtocolError{Code: CodeBadEscape, Message: "truncated percent escape"}
		}
		high, okHigh := hexValue(raw[i+1])
		low, okLow := hexValue(raw[i+2])
		if !okHigh || !okLow {
			return nil, &ProtocolError{Code: CodeBadEscape, Message: "invalid percent escape"}
		}
		decoded = append(decoded, high<<4|low)
		i += 2
	}
	return decoded, nil
}

// hexValue returns the value of a hex digit in either case.
func hexValue(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
