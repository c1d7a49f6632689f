// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/weft-foundation/weft/lib/identity"
)

// TestRelayForwarding registers a hidden node with a relay server and
// verifies that a frame sent to the relay by a third party reaches the
// hidden node's handler.
func TestRelayForwarding(t *testing.T) {
	server, err := NewRelayServer("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewRelayServer failed: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	// The hidden node registers and listens.
	hidden := identity.MustParse("@@hidden.weft/main")
	relayListener := NewRelayListener(server.Address(), hidden, nil, nil)
	defer relayListener.Close()

	handler, snapshot := collectFrames()
	go relayListener.Serve(ctx, handler)

	// Give the registration a moment to land.
	time.Sleep(100 * time.Millisecond)

	// A sender dials the relay directly and addresses the hidden node.
	conn, err := (&TCPDialer{Timeout: 5 * time.Second}).Dial(ctx, server.Address())
	if err != nil {
		t.Fatalf("Dial relay failed: %v", err)
	}
	defer conn.Close()

	frame := Frame{Recipient: hidden, Type: FrameEnvelope, Payload: []byte("via relay")}
	if err := conn.Send(ctx, frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frames := waitForFrames(t, snapshot, 1)
	if !bytes.Equal(frames[0].Payload, []byte("via relay")) {
		t.Errorf("payload = %q, want %q", frames[0].Payload, "via relay")
	}
	if frames[0].Recipient.String() != hidden.String() {
		t.Errorf("recipient = %q, want %q", frames[0].Recipient, hidden)
	}
}

// TestRelayRoutesBySubidentity verifies the relay routes on the node
// part of the recipient: a frame addressed to a sub-identity of the
// registered node still reaches it.
func TestRelayRoutesBySubidentity(t *testing.T) {
	server, err := NewRelayServer("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewRelayServer failed: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	// Registers with the bare node identity.
	hidden := identity.MustParse("@@hidden.weft")
	relayListener := NewRelayListener(server.Address(), hidden, nil, nil)
	defer relayListener.Close()

	handler, snapshot := collectFrames()
	go relayListener.Serve(ctx, handler)
	time.Sleep(100 * time.Millisecond)

	conn, err := (&TCPDialer{Timeout: 5 * time.Second}).Dial(ctx, server.Address())
	if err != nil {
		t.Fatalf("Dial relay failed: %v", err)
	}
	defer conn.Close()

	// Addressed to a device under the registered node.
	device := identity.MustParse("@@hidden.weft/main/device/laptop")
	frame := Frame{Recipient: device, Type: FrameEnvelope, Payload: []byte("for the device")}
	if err := conn.Send(ctx, frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frames := waitForFrames(t, snapshot, 1)
	if frames[0].Recipient.String() != device.String() {
		t.Errorf("recipient = %q, want %q", frames[0].Recipient, device)
	}
}

// TestRelayDropsUnregistered verifies a frame for an unknown recipient
// is dropped without disturbing the sender's connection.
func TestRelayDropsUnregistered(t *testing.T) {
	server, err := NewRelayServer("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewRelayServer failed: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	conn, err := (&TCPDialer{Timeout: 5 * time.Second}).Dial(ctx, server.Address())
	if err != nil {
		t.Fatalf("Dial relay failed: %v", err)
	}
	defer conn.Close()

	nobody := identity.MustParse("@@nobody.weft/main")
	frame := Frame{Recipient: nobody, Type: FrameEnvelope, Payload: []byte("lost")}
	if err := conn.Send(ctx, frame); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}

	// The connection survives; a second send also succeeds.
	if err := conn.Send(ctx, frame); err != nil {
		t.Errorf("second Send failed: %v", err)
	}
}

// TestRelayReRegistrationReplacesConn verifies that a newer
// registration for the same identity supersedes the older connection.
func TestRelayReRegistrationReplacesConn(t *testing.T) {
	server, err := NewRelayServer("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewRelayServer failed: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	hidden := identity.MustParse("@@hidden.weft/main")

	firstHandler, firstSnapshot := collectFrames()
	first := NewRelayListener(server.Address(), hidden, nil, nil)
	firstCtx, firstCancel := context.WithCancel(ctx)
	go first.Serve(firstCtx, firstHandler)
	time.Sleep(100 * time.Millisecond)

	// The second listener registers the same identity. The relay must
	// forward to it, not the first.
	secondHandler, secondSnapshot := collectFrames()
	second := NewRelayListener(server.Address(), hidden, nil, nil)
	defer second.Close()
	go second.Serve(ctx, secondHandler)
	time.Sleep(100 * time.Millisecond)

	// Quiesce the first listener so it cannot re-register.
	firstCancel()
	first.Close()
	time.Sleep(50 * time.Millisecond)

	conn, err := (&TCPDialer{Timeout: 5 * time.Second}).Dial(ctx, server.Address())
	if err != nil {
		t.Fatalf("Dial relay failed: %v", err)
	}
	defer conn.Close()

	frame := Frame{Recipient: hidden, Type: FrameEnvelope, Payload: []byte("to the new conn")}
	if err := conn.Send(ctx, frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frames := waitForFrames(t, secondSnapshot, 1)
	if !bytes.Equal(frames[0].Payload, []byte("to the new conn")) {
		t.Errorf("payload = %q", frames[0].Payload)
	}
	if len(firstSnapshot()) != 0 {
		t.Errorf("superseded listener received %d frames, want 0", len(firstSnapshot()))
	}
}
