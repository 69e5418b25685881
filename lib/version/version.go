// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of keyrelay binaries.
package version

import "runtime/debug"

// Version is the release version, set at build time:
//
//	go build -ldflags "-X github.com/keyrelay/keyrelay/lib/version.Version=v1.2.3"
//
// When empty, Info falls back to VCS metadata embedded by the Go
// toolchain.
var Version string

// Info returns a human-readable version string for --version output.
func Info() string {
	if Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" {
		return "devel"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified {
		return "devel+" + revision + "-dirty"
	}
	return "devel+" + revision
}
