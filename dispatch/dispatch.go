// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch delivers encoded envelopes to remote identities.
//
// Send is the single entry point for every outbound message: it
// resolves the destination through the registry resolver, selects a
// transport by the configured route order, retries transient failures
// with exponential backoff, and on exhaustion parks the message in a
// durable retry queue that a background worker drains when the
// destination becomes reachable again.
//
// The dispatcher guarantees at-least-once attempted delivery, never
// deduplication; receivers deduplicate on the envelope's idempotency
// token.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weft-foundation/weft/jobqueue"
	"github.com/weft-foundation/weft/lib/clock"
	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/registry"
	"github.com/weft-foundation/weft/transport"
)

// ErrUnresolvableIdentity reports a destination the resolver rejected
// permanently: a malformed identity or one the registry does not know.
// Never retried.
var ErrUnresolvableIdentity = errors.New("dispatch: unresolvable identity")

// ErrExhaustedRetries reports that every in-call attempt failed. When
// durability was not opted out, the message sits in the retry queue
// and the background worker keeps trying; the error tells the
// immediate caller that delivery has not happened yet.
var ErrExhaustedRetries = errors.New("dispatch: retries exhausted")

// errRouteUnavailable marks a route the resolved record cannot use at
// all (no direct address, peer not capable, no proxy). Skipped
// silently during route selection.
var errRouteUnavailable = errors.New("dispatch: route unavailable")

// Route names one transport path in the selection order.
type Route string

const (
	RouteDirect Route = "direct"
	RoutePeer   Route = "peer"
	RouteRelay  Route = "relay"
)

// DefaultOrder is the transport preference when the config does not
// set one.
var DefaultOrder = []Route{RouteDirect, RoutePeer, RouteRelay}

// ParseRoutes validates a configured route order.
func ParseRoutes(names []string) ([]Route, error) {
	routes := make([]Route, 0, len(names))
	for _, name := range names {
		route := Route(name)
		switch route {
		case RouteDirect, RoutePeer, RouteRelay:
			routes = append(routes, route)
		default:
			return nil, fmt.Errorf("dispatch: unknown route %q", name)
		}
	}
	if len(routes) == 0 {
		return nil, errors.New("dispatch: empty route order")
	}
	return routes, nil
}

// Default retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 4 * time.Second
	DefaultMaxBackoff  = 5 * time.Minute
)

// Resolver is the slice of the registry resolver the dispatcher needs.
type Resolver interface {
	Resolve(ctx context.Context, id identity.Identity) (registry.Resolved, error)
	Invalidate(id identity.Identity)
}

// Options adjusts one Send call.
type Options struct {
	// NoDurable skips the retry queue on exhaustion: the message is
	// lost if every in-call attempt fails. For traffic that expires
	// anyway, like pings.
	NoDurable bool
}

// PendingSend is a durable retry queue entry.
type PendingSend struct {
	Destination string `cbor:"destination"`
	Payload     []byte `cbor:"payload"`
}

// Config wires a Dispatcher.
type Config struct {
	// Resolver translates identities to keys and addresses. Required.
	Resolver Resolver

	// Direct dials host:port addresses. Required; it also carries
	// relay-bound frames, since a relay is dialed like any TCP peer.
	Direct transport.Dialer

	// Peer dials node identities over WebRTC. Optional; without it
	// the peer route is skipped.
	Peer transport.Dialer

	// Retry is the durable retry queue. Optional; without it,
	// exhausted sends fail outright as if every caller passed
	// NoDurable.
	Retry *jobqueue.Manager[PendingSend]

	// Order is the transport preference. Defaults to DefaultOrder.
	Order []Route

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RetryInterval is how often the background worker scans the
	// retry queue. Defaults to 30 seconds.
	RetryInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dispatcher multiplexes transports behind one retrying send contract.
type Dispatcher struct {
	resolver Resolver
	direct   transport.Dialer
	peer     transport.Dialer
	retry    *jobqueue.Manager[PendingSend]
	order    []Route

	maxAttempts   int
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	retryInterval time.Duration

	clock  clock.Clock
	logger *slog.Logger

	// conns caches open connections by dial key so concurrent sends
	// to one destination share a connection.
	mu    sync.Mutex
	conns map[string]transport.Conn
}

// New builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("dispatch: Config.Resolver is required")
	}
	if cfg.Direct == nil {
		return nil, errors.New("dispatch: Config.Direct is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if len(cfg.Order) == 0 {
		cfg.Order = DefaultOrder
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	return &Dispatcher{
		resolver:      cfg.Resolver,
		direct:        cfg.Direct,
		peer:          cfg.Peer,
		retry:         cfg.Retry,
		order:         cfg.Order,
		maxAttempts:   cfg.MaxAttempts,
		baseBackoff:   cfg.BaseBackoff,
		maxBackoff:    cfg.MaxBackoff,
		retryInterval: cfg.RetryInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		conns:         make(map[string]transport.Conn),
	}, nil
}

// Send delivers payload (an encoded envelope) to dest. It blocks
// through the in-call retry schedule; on exhaustion the message is
// queued durably (unless opts.NoDurable) and ErrExhaustedRetries is
// returned so the caller knows delivery is still pending.
func (d *Dispatcher) Send(ctx context.Context, dest identity.Identity, payload []byte, opts Options) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := d.backoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.clock.After(wait):
			}
		}
		// Keys or addresses may have rotated between attempts; from
		// the second retry on, force a fresh registry lookup.
		if attempt > 2 {
			d.resolver.Invalidate(dest)
		}

		resolved, err := d.resolver.Resolve(ctx, dest)
		if err != nil {
			if errors.Is(err, identity.ErrMalformed) || errors.Is(err, registry.ErrUnknownIdentity) {
				return fmt.Errorf("%w: %s: %v", ErrUnresolvableIdentity, dest, err)
			}
			lastErr = err
			continue
		}

		if err := d.attempt(ctx, dest, resolved, payload); err != nil {
			lastErr = err
			d.logger.Warn("send attempt failed",
				"destination", dest, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}

	if !opts.NoDurable && d.retry != nil {
		pending := PendingSend{Destination: dest.String(), Payload: payload}
		if err := d.retry.Push(ctx, retryQueue(dest), pending, d.clock.Now()); err != nil {
			return fmt.Errorf("dispatch: queuing for retry after %w: %v", ErrExhaustedRetries, err)
		}
		d.logger.Info("send queued for background retry", "destination", dest)
	}
	return fmt.Errorf("%w: sending to %s: %v", ErrExhaustedRetries, dest, lastErr)
}

// attempt tries every configured route once, in order, including the
// in-call fallback to a proxy path when the direct dial fails.
func (d *Dispatcher) attempt(ctx context.Context, dest identity.Identity, resolved registry.Resolved, payload []byte) error {
	frame := transport.Frame{Recipient: dest, Type: transport.FrameEnvelope, Payload: payload}

	var lastErr error
	for _, route := range d.order {
		key, conn, err := d.connect(ctx, route, resolved)
		if err != nil {
			if errors.Is(err, errRouteUnavailable) {
				continue
			}
			if errors.Is(err, transport.ErrAuthFailed) {
				d.resolver.Invalidate(dest)
			}
			lastErr = err
			continue
		}
		if err := d.send(ctx, key, conn, frame); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable transport for %s", dest)
	}
	return lastErr
}

// connect returns a healthy cached connection for the route, dialing
// one if needed. The key identifies the connection in the cache.
func (d *Dispatcher) connect(ctx context.Context, route Route, resolved registry.Resolved) (string, transport.Conn, error) {
	switch route {
	case RouteDirect:
		if resolved.Proxied || resolved.Address == "" {
			return "", nil, errRouteUnavailable
		}
		conn, err := d.cachedDial(ctx, d.direct, "tcp:"+resolved.Address, resolved.Address)
		return "tcp:" + resolved.Address, conn, err

	case RoutePeer:
		if d.peer == nil || !resolved.PeerCapable {
			return "", nil, errRouteUnavailable
		}
		node := resolved.Identity.NodeIdentity().String()
		conn, err := d.cachedDial(ctx, d.peer, "peer:"+node, node)
		return "peer:" + node, conn, err

	case RouteRelay:
		address, err := d.relayAddress(ctx, resolved)
		if err != nil {
			return "", nil, err
		}
		conn, err := d.cachedDial(ctx, d.direct, "tcp:"+address, address)
		return "tcp:" + address, conn, err
	}
	return "", nil, errRouteUnavailable
}

// relayAddress picks the relay to dial: the resolved proxy when the
// record is routed, otherwise the first fallback proxy the record
// lists next to its direct address.
func (d *Dispatcher) relayAddress(ctx context.Context, resolved registry.Resolved) (string, error) {
	if resolved.Proxied {
		if resolved.Address == "" {
			return "", errRouteUnavailable
		}
		return resolved.Address, nil
	}
	for _, proxy := range resolved.ProxyNodes {
		proxyResolved, err := d.resolver.Resolve(ctx, proxy)
		if err != nil || proxyResolved.Address == "" {
			continue
		}
		return proxyResolved.Address, nil
	}
	return "", errRouteUnavailable
}

// cachedDial reuses a healthy cached connection or dials a new one. A
// lost race dials twice; the loser's connection replaces the winner's,
// which is closed. Cheap compared to serializing all dials.
func (d *Dispatcher) cachedDial(ctx context.Context, dialer transport.Dialer, key, address string) (transport.Conn, error) {
	d.mu.Lock()
	if conn, ok := d.conns[key]; ok {
		if conn.Healthy() {
			d.mu.Unlock()
			return conn, nil
		}
		delete(d.conns, key)
		conn.Close()
	}
	d.mu.Unlock()

	conn, err := dialer.Dial(ctx, address)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if old, ok := d.conns[key]; ok && old != conn {
		old.Close()
	}
	d.conns[key] = conn
	d.mu.Unlock()
	return conn, nil
}

// send writes the frame, evicting the connection from the cache on
// failure so the next attempt dials fresh.
func (d *Dispatcher) send(ctx context.Context, key string, conn transport.Conn, frame transport.Frame) error {
	if err := conn.Send(ctx, frame); err != nil {
		d.mu.Lock()
		if d.conns[key] == conn {
			delete(d.conns, key)
		}
		d.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

// backoff computes the wait before attempt n (n >= 2): base, then
// base*4, base*16, ..., capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.baseBackoff
	for i := 2; i < attempt; i++ {
		wait *= 4
		if wait >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	if wait > d.maxBackoff {
		return d.maxBackoff
	}
	return wait
}

// Close drops every cached connection.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, conn := range d.conns {
		conn.Close()
		delete(d.conns, key)
	}
	return nil
}

func retryQueue(dest identity.Identity) string {
	return dest.String()
}
