// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge forwards connections from a local agent socket to an
// upstream endpoint, byte for byte. It knows nothing about the line
// protocol: when a raw tunnel to the real agent already exists (an SSH
// forward, a VM vsock proxy), the bridge only has to own the socket
// path and splice bytes.
package bridge
