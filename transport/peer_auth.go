// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/weft-foundation/weft/lib/keyring"
)

// authChannelLabel is the data channel label for the mutual
// authentication handshake. Both peers recognize this label and route
// it to the auth handler instead of the frame handler.
const authChannelLabel = "auth"

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authSignatureSize is the size of an Ed25519 signature in bytes.
const authSignatureSize = 64

// authTimeout bounds the entire handshake: channel creation, nonce
// exchange, signing, verification. A PeerConnection that does not
// authenticate within this window is torn down.
const authTimeout = 10 * time.Second

// PeerAuthenticator verifies transport connections between nodes.
// When configured on a PeerTransport, every new PeerConnection must
// complete a mutual challenge-response handshake before frame
// channels are accepted.
//
// After ICE connects, both peers exchange random 32-byte nonces over
// a dedicated "auth" data channel, sign each other's nonces with
// their Ed25519 keys, and verify the signatures against the peer's
// registered public key. This binds the connection to registered node
// identities: access to the signaling channel alone is not enough to
// impersonate a node.
type PeerAuthenticator interface {
	// Sign signs message with the local node's Ed25519 key.
	Sign(message []byte) []byte

	// VerifyPeer verifies that signature is a valid signature of
	// message by the node named peerName. The implementation looks up
	// the peer's published signing key (from the registry in
	// production) and verifies.
	VerifyPeer(peerName string, message, signature []byte) error
}

// KeyringAuthenticator is the production PeerAuthenticator: it signs
// with the node's own signing key and verifies peers via a key lookup
// function, resolver-backed in practice.
type KeyringAuthenticator struct {
	Key    *keyring.SigningSecretKey
	Lookup func(peerName string) (keyring.SigningPublicKey, error)
}

var _ PeerAuthenticator = (*KeyringAuthenticator)(nil)

// Sign implements PeerAuthenticator.
func (a *KeyringAuthenticator) Sign(message []byte) []byte {
	return a.Key.Sign(message)
}

// VerifyPeer implements PeerAuthenticator.
func (a *KeyringAuthenticator) VerifyPeer(peerName string, message, signature []byte) error {
	key, err := a.Lookup(peerName)
	if err != nil {
		return fmt.Errorf("looking up signing key for %s: %w", peerName, err)
	}
	if !ed25519.Verify(key, message, signature) {
		return fmt.Errorf("invalid signature from %s", peerName)
	}
	return nil
}

// runPeerAuth executes the mutual authentication protocol on a data
// channel. Both peers run this function simultaneously on the same
// channel. The protocol is:
//
//  1. Send a 32-byte random nonce
//  2. Read the peer's 32-byte nonce
//  3. Sign (peerNonce || peerName), binding the response to the
//     specific challenger's identity
//  4. Send the 64-byte Ed25519 signature
//  5. Read the peer's 64-byte signature
//  6. Verify it against (ownNonce || ownName) using the peer's key
//
// The name binding in step 3 prevents a valid signature for peer A
// from being replayed to authenticate against peer B.
//
// Writes and reads are interleaved using a background writer
// goroutine to avoid deadlock on synchronous channels (such as
// net.Pipe), where Write blocks until the peer Reads. Without
// concurrent write/read, both sides would block on their initial
// Write simultaneously.
//
// The caller is responsible for closing the channel after this
// returns.
func runPeerAuth(channel io.ReadWriter, authenticator PeerAuthenticator, localName, peerName string) error {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating auth nonce: %w", err)
	}

	// writeErrors collects errors from the background writer. The
	// writer sends both the nonce and, later, the signature.
	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	go func() {
		if _, err := channel.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("sending auth nonce: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(channel, peerNonce); err != nil {
		close(signatureToSend)
		return fmt.Errorf("reading peer nonce: %w", err)
	}

	// Sign (peerNonce || peerName): "I am responding to this
	// challenge from the node that claims to be <peerName>."
	signedMessage := make([]byte, 0, authNonceSize+len(peerName))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peerName...)
	signatureToSend <- authenticator.Sign(signedMessage)

	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return fmt.Errorf("reading peer signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return err
	}

	// Verify: the peer signed (nonce || localName), i.e. it responded
	// to OUR challenge bound to OUR identity.
	verifyMessage := make([]byte, 0, authNonceSize+len(localName))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, localName...)
	if err := authenticator.VerifyPeer(peerName, verifyMessage, peerSignature); err != nil {
		return fmt.Errorf("peer %s failed authentication: %w", peerName, err)
	}
	return nil
}
