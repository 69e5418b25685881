// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for keyrelay binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - the KEYRELAY_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// There are no fallbacks or automatic discovery. Flags override file
// values; file values override defaults.
package config
