// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
	_ Conn     = (*StreamConn)(nil)
)

// TCPListener accepts direct inbound connections. This is the primary
// transport for nodes with a dialable address; nodes behind NAT use
// the relay or peer backends instead.
type TCPListener struct {
	listener net.Listener
	logger   *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// NewTCPListener listens on address (host:port; use ":0" for a random
// port). A nil logger discards.
func NewTCPListener(address string, logger *slog.Logger) (*TCPListener, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", address, err)
	}
	return &TCPListener{
		listener: listener,
		logger:   logger,
		closed:   make(chan struct{}),
	}, nil
}

// Serve accepts connections and reads frames from each on its own
// goroutine, dispatching every frame to handler. Blocks until ctx is
// cancelled or Close is called; returns nil on clean shutdown.
func (l *TCPListener) Serve(ctx context.Context, handler FrameHandler) error {
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.closed:
		}
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		go l.readLoop(conn, handler)
	}
}

// readLoop reads frames from one inbound connection until it closes
// or produces a malformed frame. A malformed frame aborts the whole
// connection: after a framing error the stream position is unknown
// and nothing after it can be trusted.
func (l *TCPListener) readLoop(conn net.Conn, handler FrameHandler) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				l.logger.Warn("inbound connection failed", "remote", remote, "error", err)
			}
			return
		}
		handler(frame)
	}
}

// Address returns the bound host:port.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops accepting. In-flight read loops drain on their own.
func (l *TCPListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.listener.Close()
	})
	return err
}

// TCPDialer opens direct connections to peers.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", address, err)
	}
	return NewStreamConn(conn), nil
}

// StreamConn frames a byte stream (TCP socket, relay socket, detached
// data channel) as a Conn. A write mutex serializes concurrent Sends
// so frames never interleave mid-write.
type StreamConn struct {
	conn net.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewStreamConn wraps an established net.Conn.
func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{conn: conn}
}

// Send implements Conn. The context deadline maps onto a write
// deadline so a stalled peer cannot hold the write mutex forever.
func (c *StreamConn) Send(ctx context.Context, frame Frame) error {
	if !c.Healthy() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("transport: setting write deadline: %w", err)
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if err := WriteFrame(c.conn, frame); err != nil {
		// A partial write leaves the stream unframeable; poison the
		// connection so the dispatcher opens a fresh one.
		c.markClosed()
		c.conn.Close()
		return err
	}
	return nil
}

// ReadFrame reads the next inbound frame from the stream. Used by
// backends that multiplex inbound traffic over an outbound
// connection (the relay client).
func (c *StreamConn) ReadFrame() (Frame, error) {
	return ReadFrame(c.conn)
}

// RemoteAddr implements Conn.
func (c *StreamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Healthy implements Conn.
func (c *StreamConn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close implements Conn.
func (c *StreamConn) Close() error {
	c.markClosed()
	return c.conn.Close()
}

func (c *StreamConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
