// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"net"
	"sync"
)

// halfCloser is implemented by connection types that support shutting
// down the write side independently (*net.UnixConn, *net.TCPConn).
type halfCloser interface {
	CloseWrite() error
}

// BridgeConnections copies bytes bidirectionally between two
// connections until both directions have drained. When one direction
// sees EOF, the peer's write side is shut down (half-close) so that a
// FIN on one socket propagates to the other while the opposite
// direction keeps flowing. Connections without half-close support are
// fully closed instead.
//
// Returns the first error that was not a normal connection
// termination, or nil.
func BridgeConnections(a, b net.Conn) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	copyHalf := func(dst, src net.Conn) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		if err != nil && !IsExpectedCloseError(err) {
			errs <- err
		}
		if closer, ok := dst.(halfCloser); ok {
			closer.CloseWrite()
		} else {
			dst.Close()
		}
	}

	wg.Add(2)
	go copyHalf(b, a)
	go copyHalf(a, b)
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
