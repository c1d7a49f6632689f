// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/weft-foundation/weft/lib/clock"
	"github.com/weft-foundation/weft/lib/identity"
)

// controlRegister is the payload of the FrameControl registration a
// relay client sends after connecting. The frame's recipient field
// carries the registering identity, so the payload needs no
// structure.
var controlRegister = []byte("register")

// Relay reconnect backoff bounds.
const (
	relayBackoffInitial = time.Second
	relayBackoffMax     = 30 * time.Second
)

// Compile-time interface check.
var _ Listener = (*RelayListener)(nil)

// RelayListener receives inbound traffic for a node that cannot
// accept dials. It maintains a persistent outbound connection to the
// relay, registers the node's identity on it, and reads forwarded
// frames from the same connection, reconnecting with exponential
// backoff when the relay drops.
//
// The sending direction needs no dedicated backend: a sender dials
// the relay's published address with the TCP dialer and writes frames
// addressed to the final recipient; the relay forwards on the frame
// header.
type RelayListener struct {
	relayAddress string
	self         identity.Identity
	dialer       *TCPDialer
	clock        clock.Clock
	logger       *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// NewRelayListener prepares a listener that registers self at
// relayAddress. Nil clock and logger take the real clock and discard.
func NewRelayListener(relayAddress string, self identity.Identity, clk clock.Clock, logger *slog.Logger) *RelayListener {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RelayListener{
		relayAddress: relayAddress,
		self:         self,
		dialer:       &TCPDialer{Timeout: 10 * time.Second},
		clock:        clk,
		logger:       logger,
		closed:       make(chan struct{}),
	}
}

// Serve connects, registers, and reads forwarded frames until ctx is
// cancelled or Close is called. Connection loss triggers a reconnect
// with exponential backoff; the backoff resets after a session that
// delivered at least one frame.
func (l *RelayListener) Serve(ctx context.Context, handler FrameHandler) error {
	backoff := relayBackoffInitial
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.closed:
			return nil
		default:
		}

		delivered, err := l.session(ctx, handler)
		if err != nil {
			l.logger.Warn("relay session ended", "relay", l.relayAddress, "error", err)
		}
		if delivered {
			backoff = relayBackoffInitial
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.closed:
			return nil
		case <-l.clock.After(backoff):
		}
		backoff *= 2
		if backoff > relayBackoffMax {
			backoff = relayBackoffMax
		}
	}
}

// session runs one connect-register-read cycle. It reports whether
// any frame was delivered, which the caller uses to reset backoff.
func (l *RelayListener) session(ctx context.Context, handler FrameHandler) (bool, error) {
	conn, err := l.dialer.Dial(ctx, l.relayAddress)
	if err != nil {
		return false, err
	}
	stream := conn.(*StreamConn)
	defer stream.Close()

	register := Frame{Recipient: l.self, Type: FrameControl, Payload: controlRegister}
	if err := stream.Send(ctx, register); err != nil {
		return false, fmt.Errorf("registering with relay: %w", err)
	}
	l.logger.Info("registered with relay", "relay", l.relayAddress, "identity", l.self)

	// Tear the connection down on shutdown so the blocking read
	// returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-l.closed:
			stream.Close()
		case <-done:
		}
	}()

	delivered := false
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return delivered, fmt.Errorf("relay closed the connection")
			}
			return delivered, err
		}
		delivered = true
		handler(frame)
	}
}

// Address returns the relay's address; that is what peers publish to
// reach this node.
func (l *RelayListener) Address() string {
	return l.relayAddress
}

// Close stops the listener and tears down the active session.
func (l *RelayListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// RelayServer is the forwarding side: it accepts TCP connections,
// registers clients by the identity in their FrameControl frame, and
// forwards every FrameEnvelope to the connection registered for the
// frame's recipient node. Frames for unregistered recipients are
// dropped with a log line; delivery guarantees live in the sender's
// retry queue, not here.
type RelayServer struct {
	listener *TCPListener
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*StreamConn // node identity -> registered conn
}

// NewRelayServer listens on address.
func NewRelayServer(address string, logger *slog.Logger) (*RelayServer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	listener, err := NewTCPListener(address, logger)
	if err != nil {
		return nil, err
	}
	return &RelayServer{
		listener: listener,
		logger:   logger,
		clients:  make(map[string]*StreamConn),
	}, nil
}

// Serve runs the relay until ctx is cancelled or Close is called.
func (s *RelayServer) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.listener.Close()
		case <-s.listener.closed:
		}
	}()

	for {
		conn, err := s.listener.listener.Accept()
		if err != nil {
			select {
			case <-s.listener.closed:
				return nil
			default:
				return fmt.Errorf("transport: relay accept: %w", err)
			}
		}
		go s.serveClient(NewStreamConn(conn))
	}
}

// serveClient reads frames from one client connection. Control
// registration binds the connection; envelope frames forward.
func (s *RelayServer) serveClient(stream *StreamConn) {
	defer stream.Close()
	var registered string

	defer func() {
		if registered == "" {
			return
		}
		s.mu.Lock()
		if s.clients[registered] == stream {
			delete(s.clients, registered)
		}
		s.mu.Unlock()
	}()

	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			return
		}
		switch frame.Type {
		case FrameControl:
			registered = frame.Recipient.NodeIdentity().String()
			s.mu.Lock()
			if old, ok := s.clients[registered]; ok && old != stream {
				old.Close()
			}
			s.clients[registered] = stream
			s.mu.Unlock()
			s.logger.Info("relay client registered", "identity", registered)
		case FrameEnvelope:
			s.forward(frame)
		default:
			s.logger.Warn("relay dropping frame of unknown type", "type", frame.Type)
		}
	}
}

func (s *RelayServer) forward(frame Frame) {
	node := frame.Recipient.NodeIdentity().String()
	s.mu.Lock()
	target, ok := s.clients[node]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("relay has no client for recipient", "recipient", node)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := target.Send(ctx, frame); err != nil {
		s.logger.Warn("relay forward failed", "recipient", node, "error", err)
	}
}

// Address returns the relay's bound host:port.
func (s *RelayServer) Address() string {
	return s.listener.Address()
}

// Close shuts the relay down, closing every client connection.
func (s *RelayServer) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for name, conn := range s.clients {
		conn.Close()
		delete(s.clients, name)
	}
	s.mu.Unlock()
	return err
}
