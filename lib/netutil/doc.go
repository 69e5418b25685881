// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides the socket plumbing shared by the protocol
// relay and the byte pipe: Unix socket binding with stale-file
// takeover, bidirectional connection bridging with half-close
// propagation, and classification of normal close errors.
package netutil
