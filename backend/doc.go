// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the executors that carry relay requests to
// the process holding the real agent session.
//
// Upstream speaks the line protocol directly to a local agent socket,
// holding one upstream connection per client session. Wire and
// ServeWire are the two halves of a CBOR-framed remote boundary: a
// relay embeds Wire as its executor and a host process runs ServeWire
// around an Upstream, with any byte stream (an SSH channel, a pipe
// pair, a TCP connection) in between.
package backend
