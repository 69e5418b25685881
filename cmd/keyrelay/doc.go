// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Keyrelay serves a local agent socket and relays each client command
// to a backend holding the real agent session: a local agent socket
// directly, a spawned tunnel command (typically ssh running
// keyrelay-host), or the daemon's own stdin/stdout when a parent
// process owns the tunnel.
package main
