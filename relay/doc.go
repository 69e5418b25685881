// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay serves the agent protocol on a local socket and
// forwards each decoded operation to a pluggable command executor.
//
// The package is organized around the request data flow:
//
//   - executor.go: the Request/Reply model and the Executor boundary
//   - session.go: the per-connection state machine — one in-flight
//     operation at a time, inquiry sub-dialogs, error recovery
//   - service.go: socket lifecycle, connection acceptance, start/stop
//
// Every accepted connection gets its own session goroutine; sessions
// share nothing but the executor. A session fully completes one client
// command (including any inquiry sub-dialog) before interpreting the
// next, mirroring the real agent's synchronous contract. Malformed
// input is answered with an ERR line and the session keeps going; only
// transport failure closes a session, and no session failure ever
// affects the listener or its siblings.
package relay
