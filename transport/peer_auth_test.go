// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"testing"

	"github.com/weft-foundation/weft/lib/keyring"
)

// newTestAuthenticator builds a KeyringAuthenticator with a fresh
// signing keypair and returns it with the public key peers verify
// against.
func newTestAuthenticator(t *testing.T, peers map[string]keyring.SigningPublicKey) (*KeyringAuthenticator, keyring.SigningPublicKey) {
	t.Helper()
	secretKey, publicKey, err := keyring.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("generating signing keypair: %v", err)
	}
	t.Cleanup(func() { secretKey.Close() })

	auth := &KeyringAuthenticator{
		Key: secretKey,
		Lookup: func(peerName string) (keyring.SigningPublicKey, error) {
			key, ok := peers[peerName]
			if !ok {
				return nil, fmt.Errorf("unknown peer: %s", peerName)
			}
			return key, nil
		},
	}
	return auth, publicKey
}

// TestRunPeerAuthMutualSuccess verifies that two peers holding each
// other's public keys complete the handshake.
func TestRunPeerAuthMutualSuccess(t *testing.T) {
	alphaPeers := map[string]keyring.SigningPublicKey{}
	betaPeers := map[string]keyring.SigningPublicKey{}

	authAlpha, publicAlpha := newTestAuthenticator(t, alphaPeers)
	authBeta, publicBeta := newTestAuthenticator(t, betaPeers)
	alphaPeers["@@beta.weft"] = publicBeta
	betaPeers["@@alpha.weft"] = publicAlpha

	connAlpha, connBeta := net.Pipe()
	defer connAlpha.Close()
	defer connBeta.Close()

	results := make(chan error, 2)
	go func() {
		results <- runPeerAuth(connAlpha, authAlpha, "@@alpha.weft", "@@beta.weft")
	}()
	go func() {
		results <- runPeerAuth(connBeta, authBeta, "@@beta.weft", "@@alpha.weft")
	}()

	for range 2 {
		if err := <-results; err != nil {
			t.Fatalf("authentication failed: %v", err)
		}
	}
}

// TestRunPeerAuthWrongKey verifies that a peer signing with a key
// other than the one on record is rejected.
func TestRunPeerAuthWrongKey(t *testing.T) {
	alphaPeers := map[string]keyring.SigningPublicKey{}
	roguePeers := map[string]keyring.SigningPublicKey{}

	authAlpha, publicAlpha := newTestAuthenticator(t, alphaPeers)
	authRogue, _ := newTestAuthenticator(t, roguePeers)
	roguePeers["@@alpha.weft"] = publicAlpha

	// Alpha's record for beta is some unrelated key, not the rogue's.
	_, unrelatedPublic, err := keyring.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	alphaPeers["@@beta.weft"] = unrelatedPublic

	connAlpha, connRogue := net.Pipe()

	results := make(chan error, 2)
	go func() {
		results <- runPeerAuth(connAlpha, authAlpha, "@@alpha.weft", "@@beta.weft")
		connAlpha.Close()
	}()
	go func() {
		results <- runPeerAuth(connRogue, authRogue, "@@beta.weft", "@@alpha.weft")
		connRogue.Close()
	}()

	// The verifying side must fail; the rogue side may fail with a
	// read error when the verifier tears down.
	var failures int
	for range 2 {
		if err := <-results; err != nil {
			failures++
		}
	}
	if failures == 0 {
		t.Fatal("expected at least one authentication failure, got none")
	}
}

// TestRunPeerAuthUnknownPeer verifies the handshake fails when the
// verifier has no key on record for the claimed identity.
func TestRunPeerAuthUnknownPeer(t *testing.T) {
	alphaPeers := map[string]keyring.SigningPublicKey{} // empty
	betaPeers := map[string]keyring.SigningPublicKey{}

	authAlpha, publicAlpha := newTestAuthenticator(t, alphaPeers)
	authBeta, _ := newTestAuthenticator(t, betaPeers)
	betaPeers["@@alpha.weft"] = publicAlpha

	connAlpha, connBeta := net.Pipe()

	results := make(chan error, 2)
	go func() {
		results <- runPeerAuth(connAlpha, authAlpha, "@@alpha.weft", "@@beta.weft")
		connAlpha.Close()
	}()
	go func() {
		results <- runPeerAuth(connBeta, authBeta, "@@beta.weft", "@@alpha.weft")
		connBeta.Close()
	}()

	var failures int
	for range 2 {
		if err := <-results; err != nil {
			failures++
		}
	}
	if failures == 0 {
		t.Fatal("expected at least one authentication failure, got none")
	}
}

// TestRunPeerAuthBrokenChannel verifies a clean error when the
// connection dies mid-handshake.
func TestRunPeerAuthBrokenChannel(t *testing.T) {
	peers := map[string]keyring.SigningPublicKey{}
	auth, _ := newTestAuthenticator(t, peers)

	connAlpha, connBeta := net.Pipe()
	connBeta.Close()

	if err := runPeerAuth(connAlpha, auth, "@@alpha.weft", "@@beta.weft"); err == nil {
		t.Fatal("expected error from broken channel, got nil")
	}
	connAlpha.Close()
}
