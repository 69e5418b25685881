// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrSocketInUse reports that the socket path is held by a live
// listener. Callers distinguish this from other bind failures with
// errors.Is.
var ErrSocketInUse = errors.New("socket path in use by a live listener")

// probeTimeout bounds the dial used to decide whether an existing
// socket file has a live listener behind it. A live local listener
// accepts immediately; anything slower is treated as live to stay on
// the safe side.
const probeTimeout = 2 * time.Second

// ListenUnixSocket binds a Unix domain socket at path with the given
// file mode, creating parent directories as needed.
//
// A pre-existing socket file is taken over only when it is stale: the
// path is probed with a dial, and the file is removed and rebound only
// if no listener answers. A live listener yields an error wrapping
// ErrSocketInUse. This makes restart after a crash (which leaves the
// socket file behind) unattended, without ever stealing a path from a
// running instance.
func ListenUnixSocket(path string, mode os.FileMode) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listening on %s: %w", path, err)
		}
		if probeAlive(path) {
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
		}
		listener, err = net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", path, err)
		}
	}

	if err := os.Chmod(path, mode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket mode on %s: %w", path, err)
	}
	return listener, nil
}

// probeAlive reports whether a listener answers at path. A connection
// refused or missing file means the socket is stale; a successful dial
// or any other failure (permissions, timeout) is treated as live.
func probeAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err == nil {
		conn.Close()
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) {
		return false
	}
	return true
}
