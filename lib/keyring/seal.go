// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"filippo.io/age"

	"github.com/weft-foundation/weft/lib/secret"
)

// sealedBundle is the JSON structure inside the age ciphertext. Hex
// encoding keeps the bundle greppable in memory dumps of the
// *plaintext* debugging path only — on disk it is always ciphertext.
type sealedBundle struct {
	Identity            string `json:"identity"`
	EncryptionSecretKey string `json:"encryption_secret_key"`
	SigningSecretKey    string `json:"signing_secret_key"`
}

// Seal encrypts the keyring to one or more age recipients (age1...
// public keys) and returns base64 ciphertext suitable for writing to
// the key bundle file. Typical recipients are the node operator's age
// key plus an escrow key.
func (k *Keyring) Seal(recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	bundle := sealedBundle{
		Identity:            k.Identity,
		EncryptionSecretKey: hex.EncodeToString(k.Encryption.buffer.Bytes()),
		SigningSecretKey:    hex.EncodeToString(k.Signing.buffer.Bytes()),
	}
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("encoding key bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing key bundle to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// SealToFile seals the keyring and writes the ciphertext to path with
// owner-only permissions.
func (k *Keyring) SealToFile(path string, recipientKeys []string) error {
	sealed, err := k.Seal(recipientKeys)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(sealed), 0o600); err != nil {
		return fmt.Errorf("writing sealed key bundle: %w", err)
	}
	return nil
}

// Unseal decrypts a base64 key-bundle ciphertext with an age identity
// (AGE-SECRET-KEY-1... in a protected buffer) and reconstructs the
// keyring. The age identity is borrowed, not closed.
func Unseal(sealed string, ageIdentity *secret.Buffer) (*Keyring, error) {
	// age.ParseX25519Identity requires a string; the heap copy is
	// brief and call-scoped.
	parsedIdentity, err := age.ParseX25519Identity(ageIdentity.String())
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 key bundle: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), parsedIdentity)
	if err != nil {
		return nil, fmt.Errorf("decrypting key bundle: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	var bundle sealedBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("parsing key bundle: %w", err)
	}

	encryptionRaw, err := hex.DecodeString(bundle.EncryptionSecretKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption secret key: %w", err)
	}
	signingRaw, err := hex.DecodeString(bundle.SigningSecretKey)
	if err != nil {
		secret.Zero(encryptionRaw)
		return nil, fmt.Errorf("decoding signing secret key: %w", err)
	}

	encryptionKey, err := NewEncryptionSecretKey(encryptionRaw)
	if err != nil {
		secret.Zero(signingRaw)
		return nil, err
	}
	signingKey, err := NewSigningSecretKey(signingRaw)
	if err != nil {
		encryptionKey.Close()
		return nil, err
	}

	return &Keyring{
		Identity:   bundle.Identity,
		Encryption: encryptionKey,
		Signing:    signingKey,
	}, nil
}

// UnsealFile reads a sealed key bundle from path and unseals it.
func UnsealFile(path string, ageIdentity *secret.Buffer) (*Keyring, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sealed key bundle: %w", err)
	}
	return Unseal(string(bytes.TrimSpace(sealed)), ageIdentity)
}

// GenerateAgeIdentity creates a fresh age x25519 identity for sealing
// key bundles. The secret half is returned in a protected buffer; the
// public half (age1...) is a plain string.
func GenerateAgeIdentity() (*secret.Buffer, string, error) {
	ageIdentity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, "", fmt.Errorf("generating age identity: %w", err)
	}
	buffer, err := secret.NewFromBytes([]byte(ageIdentity.String()))
	if err != nil {
		return nil, "", fmt.Errorf("protecting age identity: %w", err)
	}
	return buffer, ageIdentity.Recipient().String(), nil
}
