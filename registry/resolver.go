// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/weft-foundation/weft/lib/clock"
	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/lib/keyring"
)

// Default cache behavior. Positive entries live long because key
// rotation is explicit (senders call Invalidate on auth failure);
// negative entries live briefly so a fresh registration becomes
// visible without hammering the registry during an outage.
const (
	DefaultTTL         = 10 * time.Minute
	DefaultNegativeTTL = 30 * time.Second
	DefaultMaxEntries  = 4096

	// maxProxyDepth bounds recursive proxy resolution. Real
	// topologies have one relay hop; the bound exists to turn a
	// registry record cycle into an error instead of a hang.
	maxProxyDepth = 4
)

// ResolverConfig configures NewResolver. Zero values take the
// package defaults; Registry is required.
type ResolverConfig struct {
	Registry    Registry
	Clock       clock.Clock
	Logger      *slog.Logger
	TTL         time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

// Resolver caches registry lookups. Sub-identities inherit their
// node's record, so the cache is keyed by node identity. Safe for
// concurrent use.
type Resolver struct {
	registry    Registry
	clock       clock.Clock
	logger      *slog.Logger
	ttl         time.Duration
	negativeTTL time.Duration
	maxEntries  int

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	record  Record
	miss    bool // registry answered ErrUnknownIdentity
	expires time.Time
}

// NewResolver returns a Resolver with an empty cache.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry: Registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &Resolver{
		registry:    cfg.Registry,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		maxEntries:  cfg.MaxEntries,
		cache:       make(map[string]cacheEntry),
	}, nil
}

// Resolve returns the keys and reachable address for id. Cache
// first; on miss, one registry lookup, with the positive or negative
// answer cached. When the record routes through a proxy, the proxy
// chain is resolved recursively and the returned Resolved carries the
// proxy's address with the target's keys.
//
// Errors: ErrUnknownIdentity (no record, cached briefly),
// ErrRegistryUnreachable (transient, not cached), and context errors.
func (r *Resolver) Resolve(ctx context.Context, id identity.Identity) (Resolved, error) {
	return r.resolve(ctx, id, 0)
}

// ResolveString parses raw and resolves it. A syntactically invalid
// identity fails with identity.ErrMalformed, which callers must treat
// as permanent.
func (r *Resolver) ResolveString(ctx context.Context, raw string) (Resolved, error) {
	id, err := identity.Parse(raw)
	if err != nil {
		return Resolved{}, err
	}
	return r.Resolve(ctx, id)
}

// Invalidate evicts id's node from the cache. Call it when a send
// fails with an authentication or handshake error: stale keys are the
// usual cause, and the next Resolve must hit the registry.
func (r *Resolver) Invalidate(id identity.Identity) {
	node := id.NodeIdentity().String()
	r.mu.Lock()
	delete(r.cache, node)
	r.mu.Unlock()
	r.logger.Debug("resolver cache invalidated", "identity", node)
}

func (r *Resolver) resolve(ctx context.Context, id identity.Identity, depth int) (Resolved, error) {
	if depth >= maxProxyDepth {
		return Resolved{}, fmt.Errorf("%w: proxy chain deeper than %d for %s",
			ErrUnknownIdentity, maxProxyDepth, id)
	}

	record, err := r.lookup(ctx, id)
	if err != nil {
		return Resolved{}, err
	}

	resolved, err := parseRecord(id, record)
	if err != nil {
		return Resolved{}, err
	}

	if !record.Routing {
		return resolved, nil
	}

	// Routed record: the listed entries are proxy identities. Walk
	// them in order and take the first that resolves.
	var lastErr error = fmt.Errorf("%w: %s has no proxy nodes", ErrUnknownIdentity, id)
	for _, proxyName := range record.AddressOrProxyNodes {
		proxyID, err := identity.Parse(proxyName)
		if err != nil {
			lastErr = fmt.Errorf("registry: record for %s names malformed proxy %q: %w",
				id, proxyName, err)
			continue
		}
		proxy, err := r.resolve(ctx, proxyID, depth+1)
		if err != nil {
			lastErr = err
			continue
		}
		resolved.Address = proxy.Address
		resolved.Proxied = true
		resolved.ProxyIdentity = proxyID
		return resolved, nil
	}
	return Resolved{}, lastErr
}

// lookup serves one node identity from cache or the registry.
func (r *Resolver) lookup(ctx context.Context, id identity.Identity) (Record, error) {
	node := id.NodeIdentity()
	key := node.String()
	now := r.clock.Now()

	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && now.Before(entry.expires) {
		if entry.miss {
			return Record{}, fmt.Errorf("%w: %s (cached)", ErrUnknownIdentity, key)
		}
		return entry.record, nil
	}

	record, err := r.registry.Lookup(ctx, node)
	switch {
	case err == nil:
		r.store(key, cacheEntry{record: record, expires: now.Add(r.ttl)})
		return record, nil
	case errors.Is(err, ErrUnknownIdentity):
		r.store(key, cacheEntry{miss: true, expires: now.Add(r.negativeTTL)})
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, key)
	default:
		// Transient failures are never cached; the next resolve
		// retries the registry.
		return Record{}, fmt.Errorf("%w: looking up %s: %v", ErrRegistryUnreachable, key, err)
	}
}

func (r *Resolver) store(key string, entry cacheEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.maxEntries {
		r.evictLocked()
	}
	r.cache[key] = entry
}

// evictLocked drops expired entries, or one arbitrary entry when
// nothing has expired. Map iteration order supplies the arbitrary
// choice.
func (r *Resolver) evictLocked() {
	now := r.clock.Now()
	evicted := false
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
			evicted = true
		}
	}
	if evicted {
		return
	}
	for key := range r.cache {
		delete(r.cache, key)
		return
	}
}

// parseRecord validates the key material in a registry record.
func parseRecord(id identity.Identity, record Record) (Resolved, error) {
	encKey, err := keyring.ParseEncryptionPublicKey(record.EncryptionPublicKey)
	if err != nil {
		return Resolved{}, fmt.Errorf("registry: record for %s: %w", id, err)
	}
	signKey, err := keyring.ParseSigningPublicKey(record.SigningPublicKey)
	if err != nil {
		return Resolved{}, fmt.Errorf("registry: record for %s: %w", id, err)
	}

	resolved := Resolved{
		Identity:      id,
		EncryptionKey: encKey,
		SigningKey:    signKey,
		PeerCapable:   record.PeerCapable,
	}
	if !record.Routing {
		for _, addr := range record.AddressOrProxyNodes {
			if strings.HasPrefix(addr, identity.Prefix) {
				proxy, err := identity.Parse(addr)
				if err != nil {
					continue
				}
				resolved.ProxyNodes = append(resolved.ProxyNodes, proxy)
				continue
			}
			if resolved.Address == "" {
				resolved.Address = addr
			}
		}
	}
	return resolved, nil
}
