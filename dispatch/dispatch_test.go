// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/weft-foundation/weft/jobqueue"
	"github.com/weft-foundation/weft/lib/clock"
	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/registry"
	"github.com/weft-foundation/weft/transport"
)

// fakeResolver resolves from a fixed map and counts calls.
type fakeResolver struct {
	mu            sync.Mutex
	records       map[string]registry.Resolved
	err           error
	resolves      int
	invalidations []string
}

func (r *fakeResolver) Resolve(_ context.Context, id identity.Identity) (registry.Resolved, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolves++
	if r.err != nil {
		return registry.Resolved{}, r.err
	}
	resolved, ok := r.records[id.NodeIdentity().String()]
	if !ok {
		return registry.Resolved{}, registry.ErrUnknownIdentity
	}
	resolved.Identity = id
	return resolved, nil
}

func (r *fakeResolver) Invalidate(id identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidations = append(r.invalidations, id.NodeIdentity().String())
}

// fakeConn records sent frames.
type fakeConn struct {
	mu     sync.Mutex
	frames []transport.Frame
	closed bool
	fail   error
}

func (c *fakeConn) Send(_ context.Context, frame transport.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.fail == nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) sent() []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Frame(nil), c.frames...)
}

// fakeDialer serves connections per address and counts dials. An
// address without a connection refuses.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	errs  map[string]error
	dials map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		conns: make(map[string]*fakeConn),
		errs:  make(map[string]error),
		dials: make(map[string]int),
	}
}

func (d *fakeDialer) Dial(_ context.Context, address string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[address]++
	if err, ok := d.errs[address]; ok {
		return nil, err
	}
	conn, ok := d.conns[address]
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	return conn, nil
}

func (d *fakeDialer) serve(address string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{}
	d.conns[address] = conn
	delete(d.errs, address)
	return conn
}

func (d *fakeDialer) refuse(address string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, address)
	d.errs[address] = err
}

func (d *fakeDialer) dialCount(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[address]
}

var (
	destBob   = identity.MustParse("@@bob.weft/main")
	destRelay = identity.MustParse("@@relay.weft")
)

func directRecord(address string) registry.Resolved {
	return registry.Resolved{Address: address}
}

func newTestDispatcher(t *testing.T, resolver *fakeResolver, dialer *fakeDialer, clk clock.Clock, retry *jobqueue.Manager[PendingSend]) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		Resolver:    resolver,
		Direct:      dialer,
		Retry:       retry,
		Clock:       clk,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

// TestSendDirect delivers over the direct route and reuses the cached
// connection on the second send.
func TestSendDirect(t *testing.T) {
	resolver := &fakeResolver{records: map[string]registry.Resolved{
		"@@bob.weft": directRecord("192.0.2.1:9552"),
	}}
	dialer := newFakeDialer()
	conn := dialer.serve("192.0.2.1:9552")

	d := newTestDispatcher(t, resolver, dialer, clock.Real(), nil)
	defer d.Close()

	ctx := context.Background()
	if err := d.Send(ctx, destBob, []byte("one"), Options{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := d.Send(ctx, destBob, []byte("two"), Options{}); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	frames := conn.sent()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	if frames[0].Recipient.String() != destBob.String() {
		t.Errorf("recipient = %q, want %q", frames[0].Recipient, destBob)
	}
	if string(frames[0].Payload) != "one" || string(frames[1].Payload) != "two" {
		t.Errorf("payloads = %q, %q", frames[0].Payload, frames[1].Payload)
	}
	if n := dialer.dialCount("192.0.2.1:9552"); n != 1 {
		t.Errorf("dialed %d times, want 1 (connection reuse)", n)
	}
}

// TestSendUnresolvable returns immediately without retries for an
// identity the registry does not know.
func TestSendUnresolvable(t *testing.T) {
	resolver := &fakeResolver{records: map[string]registry.Resolved{}}
	d := newTestDispatcher(t, resolver, newFakeDialer(), clock.Real(), nil)
	defer d.Close()

	err := d.Send(context.Background(), destBob, []byte("x"), Options{})
	if !errors.Is(err, ErrUnresolvableIdentity) {
		t.Fatalf("err = %v, want ErrUnresolvableIdentity", err)
	}
	if resolver.resolves != 1 {
		t.Errorf("resolver consulted %d times, want 1 (no retry on permanent error)", resolver.resolves)
	}
}

// TestSendRetriesTransient verifies a transient dial failure is
// retried with backoff and succeeds once the destination comes up.
func TestSendRetriesTransient(t *testing.T) {
	resolver := &fakeResolver{records: map[string]registry.Resolved{
		"@@bob.weft": directRecord("192.0.2.1:9552"),
	}}
	dialer := newFakeDialer()
	dialer.refuse("192.0.2.1:9552", errors.New("connection refused"))

	clk := clock.Fake(time.Unix(1000, 0))
	d := newTestDispatcher(t, resolver, dialer, clk, nil)
	defer d.Close()

	done := make(chan error, 1)
	go func() {
		done <- d.Send(context.Background(), destBob, []byte("x"), Options{})
	}()

	// First attempt fails; Send blocks on the first backoff. Bring
	// the destination up, then release the backoff.
	clk.WaitForTimers(1)
	conn := dialer.serve("192.0.2.1:9552")
	clk.Advance(time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return")
	}

	if len(conn.sent()) != 1 {
		t.Errorf("sent %d frames, want 1", len(conn.sent()))
	}
}

// TestSendProxyFallback verifies that when the direct dial fails but
// the record lists a relay, the same Send call delivers through the
// relay.
func TestSendProxyFallback(t *testing.T) {
	resolver := &fakeResolver{records: map[string]registry.Resolved{
		"@@bob.weft": {
			Address:    "192.0.2.1:9552",
			ProxyNodes: []identity.Identity{destRelay},
		},
		"@@relay.weft": directRecord("198.51.100.7:9552"),
	}}
	dialer := newFakeDialer()
	dialer.refuse("192.0.2.1:9552", errors.New("no route to host"))
	relayConn := dialer.serve("198.51.100.7:9552")

	d := newTestDispatcher(t, resolver, dialer, clock.Real(), nil)
	defer d.Close()

	if err := d.Send(context.Background(), destBob, []byte("via relay"), Options{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frames := relayConn.sent()
	if len(frames) != 1 {
		t.Fatalf("relay received %d frames, want 1", len(frames))
	}
	// The frame still names the final recipient so the relay can
	// route it.
	if frames[0].Recipient.String() != destBob.String() {
		t.Errorf("recipient = %q, want %q", frames[0].Recipient, destBob)
	}
	if dialer.dialCount("192.0.2.1:9552") == 0 {
		t.Error("direct route was never attempted")
	}
}

// TestSendProxiedRecord delivers to an identity whose record is
// routing-only: the resolver hands back the proxy's address directly.
func TestSendProxiedRecord(t *testing.T) {
	resolver := &fakeResolver{records: map[string]registry.Resolved{
		"@@bob.weft": {
			Address:       "198.51.100.7:9552",
			Proxied:       true,
			ProxyIdentity: destRelay,
		},
	}}
	dialer := newFakeDialer()
	relayConn := dialer.serve("198.51.100.7:9552")

	d := newTestDispatcher(t, resolver, dialer, clock.Real(), nil)
	defer d.Close()

	if err := d.Send(context.Background(), destBob, []byte("routed"), Options{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(relayConn.sent()) != 1 {
		t.Fatalf("relay received %d frames, want 1", len(relayConn.sent()))
	}
}

// TestSendInvalidatesOnAuthFailure verifies that a peer authentication
// failure evicts the resolver cache entry so the next attempt sees
// fresh keys.
func TestSendInvalidatesOnAuthFailure(t *testing.T) {
	resolver := &fakeResolver{records: map[string]registry.Resolved{
		"@@bob.weft": {PeerCapable: true},
	}}
	peerDialer := newFakeDialer()
	peerDialer.refuse("@@bob.weft", fmt.Errorf("%w: signature mismatch", transport.ErrAuthFailed))

	d, err := New(Config{
		Resolver:    resolver,
		Direct:      newFakeDialer(),
		Peer:        peerDialer,
		Clock:       clock.Fake(time.Unix(1000, 0)),
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Close()

	sendErr := d.Send(context.Background(), destBob, []byte("x"), Options{NoDurable: true})
	if !errors.Is(sendErr, ErrExhaustedRetries) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", sendErr)
	}

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if len(resolver.invalidations) == 0 {
		t.Error("auth failure did not invalidate the resolver entry")
	}
}

// TestSendExhaustionQueuesDurably verifies three failed attempts park
// the message in the retry queue, and that the retry worker delivers
// it once the destination is reachable, without the original caller
// being involved.
func TestSendExhaustionQueuesDurably(t *testing.T) {
	resolver := &fakeResolver{records: map[string]registry.Resolved{
		"@@bob.weft": directRecord("192.0.2.1:9552"),
	}}
	dialer := newFakeDialer()
	dialer.refuse("192.0.2.1:9552", errors.New("connection refused"))

	retry := jobqueue.NewCBORManager[PendingSend](jobqueue.NewMemoryStore(), nil)
	clk := clock.Fake(time.Unix(1000, 0))
	d := newTestDispatcher(t, resolver, dialer, clk, retry)
	defer d.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- d.Send(ctx, destBob, []byte("parked"), Options{})
	}()

	// Walk Send through its two backoffs.
	for i := 0; i < 2; i++ {
		clk.WaitForTimers(1)
		clk.Advance(time.Second)
	}

	var sendErr error
	select {
	case sendErr = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return")
	}
	if !errors.Is(sendErr, ErrExhaustedRetries) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", sendErr)
	}

	length, err := retry.Len(ctx, retryQueue(destBob))
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if length != 1 {
		t.Fatalf("retry queue holds %d entries, want 1", length)
	}

	// Destination comes up; a retry scan delivers the parked message.
	conn := dialer.serve("192.0.2.1:9552")
	d.flushPending(ctx)

	frames := conn.sent()
	if len(frames) != 1 {
		t.Fatalf("delivered %d frames after recovery, want 1", len(frames))
	}
	if string(frames[0].Payload) != "parked" {
		t.Errorf("payload = %q, want %q", frames[0].Payload, "parked")
	}

	length, err = retry.Len(ctx, retryQueue(destBob))
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if length != 0 {
		t.Errorf("retry queue holds %d entries after delivery, want 0", length)
	}
}

// TestSendNoDurable verifies the opt-out: exhausted sends are not
// parked.
func TestSendNoDurable(t *testing.T) {
	resolver := &fakeResolver{records: map[string]registry.Resolved{
		"@@bob.weft": directRecord("192.0.2.1:9552"),
	}}
	dialer := newFakeDialer()
	dialer.refuse("192.0.2.1:9552", errors.New("connection refused"))

	retry := jobqueue.NewCBORManager[PendingSend](jobqueue.NewMemoryStore(), nil)
	d, err := New(Config{
		Resolver:    resolver,
		Direct:      dialer,
		Retry:       retry,
		Clock:       clock.Fake(time.Unix(1000, 0)),
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	if err := d.Send(ctx, destBob, []byte("x"), Options{NoDurable: true}); !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", err)
	}

	length, err := retry.Len(ctx, retryQueue(destBob))
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if length != 0 {
		t.Errorf("retry queue holds %d entries, want 0", length)
	}
}

// TestCancelRetries discards parked messages for one destination and
// leaves other destinations alone.
func TestCancelRetries(t *testing.T) {
	retry := jobqueue.NewCBORManager[PendingSend](jobqueue.NewMemoryStore(), nil)
	resolver := &fakeResolver{records: map[string]registry.Resolved{}}
	d, err := New(Config{
		Resolver: resolver,
		Direct:   newFakeDialer(),
		Retry:    retry,
		Clock:    clock.Fake(time.Unix(1000, 0)),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	other := identity.MustParse("@@carol.weft/main")
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		if err := retry.Push(ctx, retryQueue(destBob), PendingSend{Destination: destBob.String()}, now); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if err := retry.Push(ctx, retryQueue(other), PendingSend{Destination: other.String()}, now); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := d.CancelRetries(ctx, destBob); err != nil {
		t.Fatalf("CancelRetries failed: %v", err)
	}

	length, err := retry.Len(ctx, retryQueue(destBob))
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if length != 0 {
		t.Errorf("cancelled queue holds %d entries, want 0", length)
	}
	length, err = retry.Len(ctx, retryQueue(other))
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if length != 1 {
		t.Errorf("unrelated queue holds %d entries, want 1", length)
	}
}

// TestParseRoutes accepts the known route names and rejects others.
func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes([]string{"relay", "direct"})
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}
	if len(routes) != 2 || routes[0] != RouteRelay || routes[1] != RouteDirect {
		t.Errorf("routes = %v", routes)
	}

	if _, err := ParseRoutes([]string{"carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown route name")
	}
	if _, err := ParseRoutes(nil); err == nil {
		t.Error("expected error for empty route order")
	}
}
