// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry resolves logical identities to cryptographic keys
// and network addresses.
//
// The naming registry itself is an external collaborator reached
// through the Registry interface; this package supplies two concrete
// clients (HTTP and a local peers file) and the caching Resolver the
// dispatcher consults on every send.
package registry

import (
	"context"
	"errors"

	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/lib/keyring"
)

// ErrUnknownIdentity reports that the registry has no record for the
// identity. Permanent from the registry's point of view, but cached
// only briefly so a fresh registration becomes visible.
var ErrUnknownIdentity = errors.New("registry: unknown identity")

// ErrRegistryUnreachable reports a transient registry failure. The
// caller should retry with backoff rather than treat the identity as
// unknown.
var ErrRegistryUnreachable = errors.New("registry: unreachable")

// Record is a registry entry for one node identity. Key fields are
// hex-encoded the way the registry publishes them.
type Record struct {
	Identity            string   `json:"identity"`
	EncryptionPublicKey string   `json:"encryption_pk"`
	SigningPublicKey    string   `json:"signature_pk"`

	// AddressOrProxyNodes lists dialable host:port addresses, or,
	// when Routing is true, the identities of relay nodes that
	// forward to this one.
	AddressOrProxyNodes []string `json:"address_or_proxy_nodes"`

	// Routing marks a node reachable only through the proxy
	// identities in AddressOrProxyNodes.
	Routing bool `json:"routing"`

	// PeerCapable marks a node that accepts peer-to-peer (WebRTC)
	// connections in addition to any listed address.
	PeerCapable bool `json:"peer_capable"`
}

// Registry is the external naming registry at its interface boundary.
// Lookup returns ErrUnknownIdentity for absent records and
// ErrRegistryUnreachable for transient failures.
type Registry interface {
	Lookup(ctx context.Context, id identity.Identity) (Record, error)
}

// Resolved is the resolver's answer for one identity: parsed keys and
// a reachable address.
type Resolved struct {
	Identity      identity.Identity
	EncryptionKey keyring.EncryptionPublicKey
	SigningKey    keyring.SigningPublicKey

	// Address is the dialable host:port. When Proxied is true it is
	// the proxy's address and ProxyIdentity names the relay that
	// performs final delivery.
	Address       string
	Proxied       bool
	ProxyIdentity identity.Identity

	// ProxyNodes lists relay identities the record names alongside a
	// direct address. A sender whose direct dial fails can fall back
	// to one of these within the same send.
	ProxyNodes []identity.Identity

	PeerCapable bool
}
