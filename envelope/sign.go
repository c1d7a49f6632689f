// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/weft-foundation/weft/lib/codec"
	"github.com/weft-foundation/weft/lib/keyring"
)

// Sign computes the outer signature and attaches it. The signed
// bytes are the envelope's canonical CBOR with the outer signature
// field empty, hashed with BLAKE3 and signed with Ed25519. Sign must
// run after body encryption so the signature authenticates the
// ciphertext.
func Sign(e *Envelope, key *keyring.SigningSecretKey) error {
	digest, err := outerDigest(e)
	if err != nil {
		return err
	}
	e.External.Signature = hex.EncodeToString(key.Sign(digest))
	return nil
}

// Verify checks the outer signature against the sender's public
// signing key. It returns false on any mismatch, including a single
// flipped bit, a malformed signature encoding, or an unencodable
// envelope. It never returns an error; callers must drop the
// envelope on false.
func Verify(e *Envelope, key keyring.SigningPublicKey) bool {
	sig, err := hex.DecodeString(e.External.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	digest, err := outerDigest(e)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, digest, sig)
}

// SignInner computes the inner signature over the message data and
// stores it in the internal metadata. The inner signature survives
// outer-layer re-encryption, so the final recipient can authenticate
// the content even when a relay re-wrapped the envelope. The outer
// body must be plain.
func SignInner(e *Envelope, key *keyring.SigningSecretKey) error {
	if e.Body.Plain == nil {
		return fmt.Errorf("%w: cannot sign inner layer of an encrypted body", ErrSerialization)
	}
	digest, err := innerDigest(e.Body.Plain.MessageData)
	if err != nil {
		return err
	}
	e.Body.Plain.Internal.Signature = hex.EncodeToString(key.Sign(digest))
	return nil
}

// VerifyInner checks the inner signature. Same contract as Verify:
// false on any mismatch, never an error. Returns false when the
// outer body is still encrypted.
func VerifyInner(e *Envelope, key keyring.SigningPublicKey) bool {
	if e.Body.Plain == nil {
		return false
	}
	sig, err := hex.DecodeString(e.Body.Plain.Internal.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	digest, err := innerDigest(e.Body.Plain.MessageData)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, digest, sig)
}

// outerDigest hashes the envelope's canonical bytes with the outer
// signature blanked. The copy is shallow; only External is modified
// and External is a value field.
func outerDigest(e *Envelope) ([]byte, error) {
	unsigned := *e
	unsigned.External.Signature = ""
	data, err := codec.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	sum := blake3.Sum256(data)
	return sum[:], nil
}

func innerDigest(md MessageData) ([]byte, error) {
	data, err := codec.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	sum := blake3.Sum256(data)
	return sum[:], nil
}
