// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/weft-foundation/weft/lib/codec"
	"github.com/weft-foundation/weft/lib/keyring"
)

// encryptedPrefix marks ciphertext content strings on the wire.
const encryptedPrefix = "encrypted:"

// EncryptBody replaces a plain outer body with ciphertext only the
// recipient can open. The key is derived by X25519 agreement between
// the sender's secret key and the recipient's public key, so no
// pre-shared symmetric key exists. A fresh random nonce is drawn on
// every call.
func EncryptBody(e *Envelope, sender *keyring.EncryptionSecretKey, recipient keyring.EncryptionPublicKey) error {
	if e.Body.Plain == nil {
		return fmt.Errorf("%w: body is already encrypted", ErrSerialization)
	}
	plaintext, err := codec.Marshal(e.Body.Plain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	content, err := seal(plaintext, sender, recipient)
	if err != nil {
		return err
	}
	e.Body = Body{Encrypted: &EncryptedBody{Content: content}}
	e.Encryption = EncryptionDHChaChaPoly
	return nil
}

// DecryptBody replaces an encrypted outer body with its plain form.
// The recipient's secret key combined with the sender's public key
// derives the same X25519 shared secret the sender used. It fails
// with an error wrapping ErrDecryptionFailed on any authentication
// mismatch; wrong key and tampered ciphertext are indistinguishable.
func DecryptBody(e *Envelope, recipient *keyring.EncryptionSecretKey, sender keyring.EncryptionPublicKey) error {
	if e.Body.Encrypted == nil {
		return fmt.Errorf("%w: body is not encrypted", ErrDecryptionFailed)
	}
	plaintext, err := open(e.Body.Encrypted.Content, recipient, sender)
	if err != nil {
		return err
	}
	var plain PlainBody
	if err := codec.Unmarshal(plaintext, &plain); err != nil {
		return fmt.Errorf("%w: decrypted body does not parse", ErrDecryptionFailed)
	}
	e.Body = Body{Plain: &plain}
	e.Encryption = EncryptionNone
	return nil
}

// EncryptData replaces plain inner message data with ciphertext.
// Used for the second encryption layer so conversation content stays
// sealed end to end while a relay re-wraps the outer layer. The
// outer body must currently be plain.
func EncryptData(e *Envelope, sender *keyring.EncryptionSecretKey, recipient keyring.EncryptionPublicKey) error {
	if e.Body.Plain == nil {
		return fmt.Errorf("%w: cannot encrypt inner layer of an encrypted body", ErrSerialization)
	}
	if e.Body.Plain.MessageData.Plain == nil {
		return fmt.Errorf("%w: message data is already encrypted", ErrSerialization)
	}
	plaintext, err := codec.Marshal(e.Body.Plain.MessageData.Plain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	content, err := seal(plaintext, sender, recipient)
	if err != nil {
		return err
	}
	e.Body.Plain.MessageData = MessageData{Encrypted: &EncryptedData{Content: content}}
	e.Body.Plain.Internal.Encryption = EncryptionDHChaChaPoly
	return nil
}

// DecryptData replaces encrypted inner message data with its plain
// form. Same error contract as DecryptBody.
func DecryptData(e *Envelope, recipient *keyring.EncryptionSecretKey, sender keyring.EncryptionPublicKey) error {
	if e.Body.Plain == nil {
		return fmt.Errorf("%w: outer body is still encrypted", ErrDecryptionFailed)
	}
	if e.Body.Plain.MessageData.Encrypted == nil {
		return fmt.Errorf("%w: message data is not encrypted", ErrDecryptionFailed)
	}
	plaintext, err := open(e.Body.Plain.MessageData.Encrypted.Content, recipient, sender)
	if err != nil {
		return err
	}
	var plain Data
	if err := codec.Unmarshal(plaintext, &plain); err != nil {
		return fmt.Errorf("%w: decrypted message data does not parse", ErrDecryptionFailed)
	}
	e.Body.Plain.MessageData = MessageData{Plain: &plain}
	e.Body.Plain.Internal.Encryption = EncryptionNone
	return nil
}

// seal encrypts plaintext to a prefixed hex content string:
// "encrypted:" followed by hex(nonce || ciphertext). The AEAD key is
// the BLAKE3 hash of the X25519 shared secret.
func seal(plaintext []byte, local *keyring.EncryptionSecretKey, remote keyring.EncryptionPublicKey) (string, error) {
	aead, err := deriveAEAD(local, remote)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return encryptedPrefix + hex.EncodeToString(nonce) + hex.EncodeToString(ciphertext), nil
}

// open reverses seal. Every failure path wraps ErrDecryptionFailed
// with no detail that would distinguish a wrong key from tampering.
func open(content string, local *keyring.EncryptionSecretKey, remote keyring.EncryptionPublicKey) ([]byte, error) {
	hexPart, ok := strings.CutPrefix(content, encryptedPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing ciphertext prefix", ErrDecryptionFailed)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrDecryptionFailed
	}
	aead, err := deriveAEAD(local, remote)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func deriveAEAD(local *keyring.EncryptionSecretKey, remote keyring.EncryptionPublicKey) (cipher.AEAD, error) {
	shared, err := local.SharedSecret(remote)
	if err != nil {
		return nil, fmt.Errorf("envelope: key agreement: %w", err)
	}
	key := blake3.Sum256(shared)
	return chacha20poly1305.New(key[:])
}
