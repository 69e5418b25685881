// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package assuan implements the line grammar of the agent IPC
// protocol: the newline-terminated command/response dialect spoken by
// gpg-agent and its relatives.
//
// The package is deliberately limited to the wire layer:
//
//   - escape.go: percent-encoding of data-line payloads so binary
//     bytes travel safely over the text protocol
//   - line.go: the Line variant type, classification of raw lines,
//     and encoding back to wire bytes
//   - framer.go: incremental splitting of a byte stream into lines,
//     with the protocol's fixed line-length bound
//
// Session semantics (ordering, inquiry dialogs, error replies) live in
// package relay; this package never interprets what a line means, only
// what it says.
package assuan
