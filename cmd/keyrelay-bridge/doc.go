// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Keyrelay-bridge owns a local agent socket path and splices each
// connection byte for byte to an upstream endpoint. Use it when a raw
// tunnel to the real agent already exists and no protocol mediation is
// wanted.
package main
