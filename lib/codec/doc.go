// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Weft's canonical wire encoding.
//
// All envelope serialization goes through this package. The encoder is
// configured for CBOR Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Determinism is load-bearing, not cosmetic — envelope
// signatures are computed over the canonical bytes of the envelope
// with the signature field emptied, so the same logical envelope must
// serialize to the same bytes on every node that handles it. A codec
// that reordered map keys would make every signature unverifiable.
//
// The decoder accepts standard CBOR and silently ignores unknown
// fields, so newer nodes can add envelope fields without breaking
// older peers. Verification always re-canonicalizes from the decoded
// struct, never from the received bytes.
//
// Consumers import only this package, never fxamacker/cbor directly.
package codec
