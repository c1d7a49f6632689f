// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/weft-foundation/weft/lib/clock"
	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/lib/keyring"
)

// fakeRegistry serves records from a map and counts lookups.
type fakeRegistry struct {
	mu      sync.Mutex
	records map[string]Record
	lookups map[string]int
	fail    error // returned for every lookup when set
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		records: make(map[string]Record),
		lookups: make(map[string]int),
	}
}

func (f *fakeRegistry) add(t *testing.T, name string, mutate func(*Record)) {
	t.Helper()
	_, encPub, err := keyring.GenerateEncryptionKeypair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeypair: %v", err)
	}
	signKey, signPub, err := keyring.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair: %v", err)
	}
	signKey.Close()

	record := Record{
		Identity:            name,
		EncryptionPublicKey: encPub.Hex(),
		SigningPublicKey:    keyring.SigningPublicKeyHex(signPub),
		AddressOrProxyNodes: []string{"127.0.0.1:9552"},
	}
	if mutate != nil {
		mutate(&record)
	}
	f.mu.Lock()
	f.records[name] = record
	f.mu.Unlock()
}

func (f *fakeRegistry) Lookup(_ context.Context, id identity.Identity) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := id.NodeIdentity().String()
	f.lookups[key]++
	if f.fail != nil {
		return Record{}, f.fail
	}
	record, ok := f.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, key)
	}
	return record, nil
}

func (f *fakeRegistry) lookupCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups[name]
}

func newTestResolver(t *testing.T, reg Registry, clk clock.Clock) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{
		Registry:    reg,
		Clock:       clk,
		TTL:         10 * time.Minute,
		NegativeTTL: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolveCachesPositiveResults(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "@@alice.net", nil)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newTestResolver(t, reg, clk)

	id := identity.MustParse("@@alice.net/main/device/laptop")
	ctx := context.Background()

	resolved, err := r.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Address != "127.0.0.1:9552" {
		t.Fatalf("address: got %q", resolved.Address)
	}

	// Sub-identities of the same node share the cached record.
	if _, err := r.Resolve(ctx, identity.MustParse("@@alice.net/work")); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := reg.lookupCount("@@alice.net"); got != 1 {
		t.Fatalf("lookups: got %d, want 1", got)
	}

	// TTL expiry forces a fresh lookup.
	clk.Advance(11 * time.Minute)
	if _, err := r.Resolve(ctx, id); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := reg.lookupCount("@@alice.net"); got != 2 {
		t.Fatalf("lookups after TTL: got %d, want 2", got)
	}
}

func TestInvalidateForcesFreshLookup(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "@@alice.net", nil)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newTestResolver(t, reg, clk)

	id := identity.MustParse("@@alice.net")
	ctx := context.Background()

	if _, err := r.Resolve(ctx, id); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r.Invalidate(id)
	if _, err := r.Resolve(ctx, id); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := reg.lookupCount("@@alice.net"); got != 2 {
		t.Fatalf("lookups: got %d, want 2", got)
	}
}

func TestNegativeCaching(t *testing.T) {
	reg := newFakeRegistry()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newTestResolver(t, reg, clk)

	id := identity.MustParse("@@ghost.net")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, id); !errors.Is(err, ErrUnknownIdentity) {
			t.Fatalf("got %v, want ErrUnknownIdentity", err)
		}
	}
	if got := reg.lookupCount("@@ghost.net"); got != 1 {
		t.Fatalf("lookups within negative TTL: got %d, want 1", got)
	}

	// The identity registers; after the negative TTL it resolves.
	reg.add(t, "@@ghost.net", nil)
	clk.Advance(time.Minute)
	if _, err := r.Resolve(ctx, id); err != nil {
		t.Fatalf("Resolve after registration: %v", err)
	}
}

func TestTransientFailureNotCached(t *testing.T) {
	reg := newFakeRegistry()
	reg.fail = fmt.Errorf("%w: connection refused", ErrRegistryUnreachable)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newTestResolver(t, reg, clk)

	id := identity.MustParse("@@alice.net")
	ctx := context.Background()

	if _, err := r.Resolve(ctx, id); !errors.Is(err, ErrRegistryUnreachable) {
		t.Fatalf("got %v, want ErrRegistryUnreachable", err)
	}

	// The registry recovers; the very next resolve must succeed
	// without waiting out any TTL.
	reg.mu.Lock()
	reg.fail = nil
	reg.mu.Unlock()
	reg.add(t, "@@alice.net", nil)
	if _, err := r.Resolve(ctx, id); err != nil {
		t.Fatalf("Resolve after recovery: %v", err)
	}
}

func TestProxyResolution(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "@@relay.net", func(r *Record) {
		r.AddressOrProxyNodes = []string{"203.0.113.7:9552"}
	})
	reg.add(t, "@@hidden.net", func(r *Record) {
		r.Routing = true
		r.AddressOrProxyNodes = []string{"@@relay.net"}
	})
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newTestResolver(t, reg, clk)

	resolved, err := r.Resolve(context.Background(), identity.MustParse("@@hidden.net"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved.Proxied {
		t.Fatal("expected a proxied resolution")
	}
	if resolved.Address != "203.0.113.7:9552" {
		t.Fatalf("address: got %q, want the relay's", resolved.Address)
	}
	if resolved.ProxyIdentity.String() != "@@relay.net" {
		t.Fatalf("proxy identity: got %q", resolved.ProxyIdentity)
	}
	if resolved.Identity.String() != "@@hidden.net" {
		t.Fatalf("target identity: got %q", resolved.Identity)
	}
}

func TestProxyCycleFails(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "@@a.net", func(r *Record) {
		r.Routing = true
		r.AddressOrProxyNodes = []string{"@@b.net"}
	})
	reg.add(t, "@@b.net", func(r *Record) {
		r.Routing = true
		r.AddressOrProxyNodes = []string{"@@a.net"}
	})
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newTestResolver(t, reg, clk)

	if _, err := r.Resolve(context.Background(), identity.MustParse("@@a.net")); err == nil {
		t.Fatal("expected an error resolving a proxy cycle")
	}
}

func TestResolveStringMalformed(t *testing.T) {
	reg := newFakeRegistry()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newTestResolver(t, reg, clk)

	if _, err := r.ResolveString(context.Background(), "not an identity"); !errors.Is(err, identity.ErrMalformed) {
		t.Fatalf("got %v, want identity.ErrMalformed", err)
	}
}
