// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/weft-foundation/weft/lib/identity"
)

func newTestRegistryServer(t *testing.T, records map[string]Record) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/v1/identities/"
		name := r.URL.Path[len(prefix):]
		record, ok := records[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(record); err != nil {
			t.Errorf("encoding record: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPRegistryLookup(t *testing.T) {
	server := newTestRegistryServer(t, map[string]Record{
		"@@alice.net": {
			Identity:            "@@alice.net",
			EncryptionPublicKey: "0101010101010101010101010101010101010101010101010101010101010101",
			SigningPublicKey:    "0202020202020202020202020202020202020202020202020202020202020202",
			AddressOrProxyNodes: []string{"127.0.0.1:9552"},
		},
	})

	reg := NewHTTPRegistry(server.URL, nil)
	record, err := reg.Lookup(context.Background(), identity.MustParse("@@alice.net/main"))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if record.Identity != "@@alice.net" {
		t.Errorf("record identity = %q", record.Identity)
	}
	if len(record.AddressOrProxyNodes) != 1 || record.AddressOrProxyNodes[0] != "127.0.0.1:9552" {
		t.Errorf("record addresses = %v", record.AddressOrProxyNodes)
	}
}

func TestHTTPRegistryUnknownIdentity(t *testing.T) {
	server := newTestRegistryServer(t, nil)

	reg := NewHTTPRegistry(server.URL, nil)
	_, err := reg.Lookup(context.Background(), identity.MustParse("@@nobody.net"))
	if !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("Lookup error = %v, want ErrUnknownIdentity", err)
	}
}

func TestHTTPRegistryServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	reg := NewHTTPRegistry(server.URL, nil)
	_, err := reg.Lookup(context.Background(), identity.MustParse("@@alice.net"))
	if !errors.Is(err, ErrRegistryUnreachable) {
		t.Fatalf("Lookup error = %v, want ErrRegistryUnreachable", err)
	}
}

func TestHTTPRegistryConnectionRefused(t *testing.T) {
	// A server that is already closed refuses connections.
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	reg := NewHTTPRegistry(server.URL, nil)
	_, err := reg.Lookup(context.Background(), identity.MustParse("@@alice.net"))
	if !errors.Is(err, ErrRegistryUnreachable) {
		t.Fatalf("Lookup error = %v, want ErrRegistryUnreachable", err)
	}
}
