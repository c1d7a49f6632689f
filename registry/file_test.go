// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/weft-foundation/weft/lib/identity"
)

const peersFile = `
// Local peers for a two-node test bench.
[
	{
		"identity": "@@alice.net",
		"encryption_pk": "0101010101010101010101010101010101010101010101010101010101010101",
		"signature_pk": "0202020202020202020202020202020202020202020202020202020202020202",
		"address_or_proxy_nodes": ["127.0.0.1:9552"],
	},
	{
		"identity": "@@hidden.net",
		"encryption_pk": "0303030303030303030303030303030303030303030303030303030303030303",
		"signature_pk": "0404040404040404040404040404040404040404040404040404040404040404",
		"address_or_proxy_nodes": ["@@alice.net"],
		"routing": true,
	},
]
`

func writePeersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers.jsonc")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing peers file: %v", err)
	}
	return path
}

func TestFileRegistryLookup(t *testing.T) {
	reg, err := NewFileRegistry(writePeersFile(t, peersFile))
	if err != nil {
		t.Fatalf("NewFileRegistry: %v", err)
	}

	record, err := reg.Lookup(context.Background(), identity.MustParse("@@alice.net/main"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if record.AddressOrProxyNodes[0] != "127.0.0.1:9552" {
		t.Fatalf("address: got %q", record.AddressOrProxyNodes[0])
	}

	hidden, err := reg.Lookup(context.Background(), identity.MustParse("@@hidden.net"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !hidden.Routing {
		t.Fatal("expected a routed record")
	}

	_, err = reg.Lookup(context.Background(), identity.MustParse("@@absent.net"))
	if !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("got %v, want ErrUnknownIdentity", err)
	}
}

func TestFileRegistryRejectsMalformedIdentity(t *testing.T) {
	path := writePeersFile(t, `[{"identity": "no-at-prefix", "encryption_pk": "", "signature_pk": ""}]`)
	if _, err := NewFileRegistry(path); err == nil {
		t.Fatal("expected an error for a malformed identity in the peers file")
	}
}
