// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for keyrelay packages.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets: socket paths are limited to 108 bytes (sun_path in
// sockaddr_un), which deeply nested test tmpdirs can exceed, making
// t.TempDir() unsuitable for socket files.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that a broken channel hangs the test run for seconds, not forever.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
