// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the shared CBOR encoding configuration for
// the relay's internal wire boundary.
//
// Two serialization formats cross the repository with a clear split:
// the agent's own line protocol on client-facing sockets (package
// assuan), and CBOR envelopes on the executor wire boundary between a
// relay and its remote host half. This package provides the CBOR side
// so that both halves encode identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2); CBOR is self-delimiting, so stream use needs no
// extra framing.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets, pipes):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
