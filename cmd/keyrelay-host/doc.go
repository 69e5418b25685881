// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Keyrelay-host is the backend half of the relay: it speaks the CBOR
// wire protocol on stdin/stdout and executes each request against the
// real agent socket on the local machine. Typically invoked over ssh
// by a keyrelay daemon running with an exec: backend.
package main
