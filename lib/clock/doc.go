// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that timeout
// behavior can be tested deterministically. Real() wraps the time
// package; Fake() gives tests direct control over the current time and
// pending waiters.
package clock
