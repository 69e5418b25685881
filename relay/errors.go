// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "fmt"

// BindError reports a failure to bind the agent socket: the path is
// held by a live listener, the directory is not writable, or the
// address is invalid. Stale socket files left by a crashed prior run
// are taken over silently and do not produce a BindError.
type BindError struct {
	Path string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding agent socket %s: %v", e.Path, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
