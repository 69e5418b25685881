// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package relay

import (
	"errors"
	"net"
)

func peerUID(conn net.Conn) (int, error) {
	return 0, errors.New("peer credentials unsupported on this platform")
}
