// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

func TestEncryptionKeyAgreementIsSymmetric(t *testing.T) {
	aliceSecret, alicePublic, err := GenerateEncryptionKeypair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeypair() error: %v", err)
	}
	defer aliceSecret.Close()

	bobSecret, bobPublic, err := GenerateEncryptionKeypair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeypair() error: %v", err)
	}
	defer bobSecret.Close()

	fromAlice, err := aliceSecret.SharedSecret(bobPublic)
	if err != nil {
		t.Fatalf("SharedSecret() error: %v", err)
	}
	fromBob, err := bobSecret.SharedSecret(alicePublic)
	if err != nil {
		t.Fatalf("SharedSecret() error: %v", err)
	}

	if !bytes.Equal(fromAlice, fromBob) {
		t.Error("key agreement is not symmetric")
	}
	if len(fromAlice) != EncryptionKeySize {
		t.Errorf("shared secret length = %d, want %d", len(fromAlice), EncryptionKeySize)
	}
}

func TestEncryptionPublicKeyHexRoundTrip(t *testing.T) {
	skey, pkey, err := GenerateEncryptionKeypair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeypair() error: %v", err)
	}
	defer skey.Close()

	parsed, err := ParseEncryptionPublicKey(pkey.Hex())
	if err != nil {
		t.Fatalf("ParseEncryptionPublicKey() error: %v", err)
	}
	if parsed != pkey {
		t.Error("hex round trip changed the public key")
	}

	derived, err := skey.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error: %v", err)
	}
	if derived != pkey {
		t.Error("derived public key does not match generated one")
	}
}

func TestParseEncryptionPublicKeyRejectsBadInput(t *testing.T) {
	if _, err := ParseEncryptionPublicKey("zz"); err == nil {
		t.Error("non-hex key accepted")
	}
	if _, err := ParseEncryptionPublicKey("abcd"); err == nil {
		t.Error("short key accepted")
	}
}

func TestSigningSignVerify(t *testing.T) {
	signingKey, publicKey, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error: %v", err)
	}
	defer signingKey.Close()

	message := []byte("canonical envelope bytes")
	signature := signingKey.Sign(message)

	if !ed25519.Verify(publicKey, message, signature) {
		t.Error("valid signature did not verify")
	}
	if ed25519.Verify(publicKey, []byte("tampered"), signature) {
		t.Error("signature verified against a different message")
	}

	if !bytes.Equal(signingKey.PublicKey(), publicKey) {
		t.Error("derived signing public key mismatch")
	}
}

func TestSigningPublicKeyHexRoundTrip(t *testing.T) {
	signingKey, publicKey, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error: %v", err)
	}
	defer signingKey.Close()

	parsed, err := ParseSigningPublicKey(SigningPublicKeyHex(publicKey))
	if err != nil {
		t.Fatalf("ParseSigningPublicKey() error: %v", err)
	}
	if !bytes.Equal(parsed, publicKey) {
		t.Error("hex round trip changed the signing public key")
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	ring, err := Generate("@@alice.weft")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	defer ring.Close()

	ageIdentity, agePublic, err := GenerateAgeIdentity()
	if err != nil {
		t.Fatalf("GenerateAgeIdentity() error: %v", err)
	}
	defer ageIdentity.Close()

	path := filepath.Join(t.TempDir(), "keys.sealed")
	if err := ring.SealToFile(path, []string{agePublic}); err != nil {
		t.Fatalf("SealToFile() error: %v", err)
	}

	restored, err := UnsealFile(path, ageIdentity)
	if err != nil {
		t.Fatalf("UnsealFile() error: %v", err)
	}
	defer restored.Close()

	if restored.Identity != "@@alice.weft" {
		t.Errorf("restored identity = %q", restored.Identity)
	}

	// The restored signing key signs identically.
	message := []byte("probe")
	if !bytes.Equal(ring.Signing.Sign(message), restored.Signing.Sign(message)) {
		t.Error("restored signing key differs from original")
	}

	// The restored encryption key agrees identically.
	_, peerPublic, err := GenerateEncryptionKeypair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeypair() error: %v", err)
	}
	original, err := ring.Encryption.SharedSecret(peerPublic)
	if err != nil {
		t.Fatalf("SharedSecret() error: %v", err)
	}
	recovered, err := restored.Encryption.SharedSecret(peerPublic)
	if err != nil {
		t.Fatalf("SharedSecret() error: %v", err)
	}
	if !bytes.Equal(original, recovered) {
		t.Error("restored encryption key differs from original")
	}
}

func TestUnsealWrongIdentityFails(t *testing.T) {
	ring, err := Generate("@@alice.weft")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	defer ring.Close()

	_, agePublic, err := GenerateAgeIdentity()
	if err != nil {
		t.Fatalf("GenerateAgeIdentity() error: %v", err)
	}
	sealed, err := ring.Seal([]string{agePublic})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	wrongIdentity, _, err := GenerateAgeIdentity()
	if err != nil {
		t.Fatalf("GenerateAgeIdentity() error: %v", err)
	}
	defer wrongIdentity.Close()

	if _, err := Unseal(sealed, wrongIdentity); err == nil {
		t.Error("Unseal() with wrong age identity succeeded")
	}
}

func TestSealRequiresRecipients(t *testing.T) {
	ring, err := Generate("@@alice.weft")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	defer ring.Close()

	if _, err := ring.Seal(nil); err == nil {
		t.Error("Seal() with no recipients succeeded")
	}
}
