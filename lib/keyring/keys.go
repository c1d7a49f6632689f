// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring holds the asymmetric key material tied to a Weft
// identity: an x25519 keypair for body encryption (key agreement, not
// shared-secret transport) and an Ed25519 keypair for envelope
// signatures.
//
// Secret halves live in lib/secret buffers (mmap-backed, locked
// against swap, excluded from core dumps, zeroed on close). Public
// halves are plain values, safe to publish in registry records.
//
// The on-disk form of a node's keys is an age-encrypted bundle — see
// seal.go. Secret keys are never written to disk in the clear.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/weft-foundation/weft/lib/secret"
)

// EncryptionKeySize is the byte length of x25519 public and secret keys.
const EncryptionKeySize = 32

// EncryptionPublicKey is the public half of an x25519 keypair. Safe
// to publish.
type EncryptionPublicKey [EncryptionKeySize]byte

// Hex returns the lowercase hex encoding used in registry records and
// envelope metadata.
func (pk EncryptionPublicKey) Hex() string {
	return hex.EncodeToString(pk[:])
}

// ParseEncryptionPublicKey decodes a hex-encoded x25519 public key.
func ParseEncryptionPublicKey(hexKey string) (EncryptionPublicKey, error) {
	var pk EncryptionPublicKey
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return pk, fmt.Errorf("decoding encryption public key: %w", err)
	}
	if len(raw) != EncryptionKeySize {
		return pk, fmt.Errorf("encryption public key is %d bytes, want %d", len(raw), EncryptionKeySize)
	}
	copy(pk[:], raw)
	return pk, nil
}

// EncryptionSecretKey is the secret half of an x25519 keypair, held
// in protected memory. Callers must Close it when done.
type EncryptionSecretKey struct {
	buffer *secret.Buffer
}

// GenerateEncryptionKeypair generates a fresh x25519 keypair.
func GenerateEncryptionKeypair() (*EncryptionSecretKey, EncryptionPublicKey, error) {
	raw := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, EncryptionPublicKey{}, fmt.Errorf("generating encryption key: %w", err)
	}

	publicKey, err := publicFromSecret(raw)
	if err != nil {
		secret.Zero(raw)
		return nil, EncryptionPublicKey{}, err
	}

	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, EncryptionPublicKey{}, fmt.Errorf("protecting encryption key: %w", err)
	}
	return &EncryptionSecretKey{buffer: buffer}, publicKey, nil
}

// NewEncryptionSecretKey wraps raw x25519 secret key bytes. The
// source slice is zeroed.
func NewEncryptionSecretKey(raw []byte) (*EncryptionSecretKey, error) {
	if len(raw) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption secret key is %d bytes, want %d", len(raw), EncryptionKeySize)
	}
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("protecting encryption key: %w", err)
	}
	return &EncryptionSecretKey{buffer: buffer}, nil
}

// PublicKey derives the public half.
func (sk *EncryptionSecretKey) PublicKey() (EncryptionPublicKey, error) {
	return publicFromSecret(sk.buffer.Bytes())
}

// SharedSecret performs the x25519 key agreement between this secret
// key and a peer's public key. Both directions of a conversation
// derive the same 32 bytes: agree(sk_a, pk_b) == agree(sk_b, pk_a).
// The caller must zero the returned slice after deriving a cipher key
// from it.
func (sk *EncryptionSecretKey) SharedSecret(peer EncryptionPublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(sk.buffer.Bytes(), peer[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 key agreement: %w", err)
	}
	return shared, nil
}

// Close releases the protected memory. Idempotent.
func (sk *EncryptionSecretKey) Close() error {
	return sk.buffer.Close()
}

func publicFromSecret(raw []byte) (EncryptionPublicKey, error) {
	var pk EncryptionPublicKey
	derived, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return pk, fmt.Errorf("deriving encryption public key: %w", err)
	}
	copy(pk[:], derived)
	return pk, nil
}

// SigningPublicKey is an Ed25519 public key. Safe to publish.
type SigningPublicKey = ed25519.PublicKey

// ParseSigningPublicKey decodes a hex-encoded Ed25519 public key.
func ParseSigningPublicKey(hexKey string) (SigningPublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding signing public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return SigningPublicKey(raw), nil
}

// SigningPublicKeyHex returns the lowercase hex encoding of an
// Ed25519 public key.
func SigningPublicKeyHex(pk SigningPublicKey) string {
	return hex.EncodeToString(pk)
}

// SigningSecretKey is an Ed25519 private key held in protected
// memory. Callers must Close it when done.
type SigningSecretKey struct {
	buffer *secret.Buffer
}

// GenerateSigningKeypair generates a fresh Ed25519 keypair.
func GenerateSigningKeypair() (*SigningSecretKey, SigningPublicKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating signing key: %w", err)
	}
	buffer, err := secret.NewFromBytes(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("protecting signing key: %w", err)
	}
	return &SigningSecretKey{buffer: buffer}, publicKey, nil
}

// NewSigningSecretKey wraps raw Ed25519 private key bytes (the
// 64-byte expanded form). The source slice is zeroed.
func NewSigningSecretKey(raw []byte) (*SigningSecretKey, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing secret key is %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("protecting signing key: %w", err)
	}
	return &SigningSecretKey{buffer: buffer}, nil
}

// heapKey copies the protected key bytes into a transient heap
// slice. crypto/ed25519 on Go >= 1.25 registers a weak pointer to the
// key's backing array, which the runtime rejects for non-heap (mmap)
// memory. Callers must secret.Zero the copy when done.
func (sk *SigningSecretKey) heapKey() ed25519.PrivateKey {
	protected := sk.buffer.Bytes()
	key := make([]byte, len(protected))
	copy(key, protected)
	return ed25519.PrivateKey(key)
}

// Sign produces a 64-byte Ed25519 signature over message.
func (sk *SigningSecretKey) Sign(message []byte) []byte {
	privateKey := sk.heapKey()
	defer secret.Zero(privateKey)
	return ed25519.Sign(privateKey, message)
}

// PublicKey derives the public half.
func (sk *SigningSecretKey) PublicKey() SigningPublicKey {
	privateKey := sk.heapKey()
	defer secret.Zero(privateKey)
	return privateKey.Public().(ed25519.PublicKey)
}

// Close releases the protected memory. Idempotent.
func (sk *SigningSecretKey) Close() error {
	return sk.buffer.Close()
}

// Keyring is the full key material for one identity.
type Keyring struct {
	// Identity is the owner. KeyMaterial is tied to exactly one
	// identity; rotating keys means publishing a new registry record.
	Identity string

	// Encryption is the x25519 keypair's secret half.
	Encryption *EncryptionSecretKey

	// Signing is the Ed25519 keypair's secret half.
	Signing *SigningSecretKey
}

// Generate creates a complete fresh keyring for an identity.
func Generate(identityName string) (*Keyring, error) {
	encryptionKey, _, err := GenerateEncryptionKeypair()
	if err != nil {
		return nil, err
	}
	signingKey, _, err := GenerateSigningKeypair()
	if err != nil {
		encryptionKey.Close()
		return nil, err
	}
	return &Keyring{
		Identity:   identityName,
		Encryption: encryptionKey,
		Signing:    signingKey,
	}, nil
}

// Close releases all protected memory. Idempotent.
func (k *Keyring) Close() error {
	var firstError error
	if k.Encryption != nil {
		if err := k.Encryption.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	if k.Signing != nil {
		if err := k.Signing.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	return firstError
}
