// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries encoded envelopes between nodes.
//
// Three backends implement the same capability set: direct TCP,
// relay-proxied TCP for nodes that cannot accept inbound dials, and
// peer-to-peer WebRTC data channels for NAT traversal. The dispatcher
// is written against the Conn, Dialer, and Listener interfaces, never
// against a concrete backend, so adding a backend (QUIC, say) does
// not touch dispatch logic.
//
// All backends speak the same length-prefixed frame format (see
// frame.go), so message boundaries survive any byte stream and a
// relay can route a frame without decoding the envelope inside it.
package transport

import (
	"context"
	"errors"
)

// ErrConnClosed reports I/O on a connection that is already closed.
var ErrConnClosed = errors.New("transport: connection closed")

// ErrFrameTooLarge reports a frame exceeding MaxFrameSize in either
// direction.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// ErrAuthFailed reports a failed peer authentication handshake. The
// dispatcher invalidates the resolver's cache entry for the peer on
// this error, since it usually means stale keys.
var ErrAuthFailed = errors.New("transport: peer authentication failed")

// Conn is an established connection to one peer. Implementations
// serialize concurrent Send calls internally; frames never interleave
// mid-write.
type Conn interface {
	// Send writes one frame. Transient transport failures (broken
	// pipe, reset) surface as errors; the caller owns retry policy.
	Send(ctx context.Context, frame Frame) error

	// RemoteAddr describes the peer in backend-specific form (TCP
	// address, relay address, peer identity).
	RemoteAddr() string

	// Healthy reports whether the connection is still usable. The
	// dispatcher checks it before reusing a cached connection.
	Healthy() bool

	Close() error
}

// Dialer opens connections to peers. The address format is
// backend-specific and matches what the peer's Listener publishes.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// FrameHandler consumes one inbound frame. It runs on the
// connection's read goroutine; implementations hand slow work off
// rather than stalling the stream.
type FrameHandler func(frame Frame)

// Listener accepts inbound frames. Serve blocks until ctx is
// cancelled or Close is called, restarting its inbound streams on
// reconnectable failures.
type Listener interface {
	Serve(ctx context.Context, handler FrameHandler) error

	// Address is what peers publish to reach this listener. For TCP
	// it is host:port; for the relay backend it is the relay's
	// address; for the peer backend it is the node identity used in
	// signaling.
	Address() string

	Close() error
}
