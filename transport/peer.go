// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/weft-foundation/weft/lib/identity"
)

// Compile-time interface checks.
var (
	_ Listener = (*PeerTransport)(nil)
	_ Dialer   = (*PeerTransport)(nil)
)

// signalingPollInterval is how often the transport polls for inbound
// signaling offers from peers.
const signalingPollInterval = 2 * time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the dialer polls for an SDP answer
// after publishing an offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer.
const answerTimeout = 30 * time.Second

// framePrefix labels data channels that carry envelope frames.
const framePrefix = "frames-"

// PeerTransport carries frames over WebRTC data channels for nodes
// that cannot reach each other with a direct dial. It implements both
// Listener and Dialer because both directions share one pool of
// PeerConnections: each remote node gets one PeerConnection with
// potentially many data channels.
//
// Signaling uses the Signaler interface. Establishment is vanilla
// ICE: all candidates are gathered before the SDP is published, so
// signaling needs exactly one round trip.
//
// When an authenticator is configured, every PeerConnection must
// complete the mutual Ed25519 challenge-response handshake (see
// peer_auth.go) before frame channels are accepted in either
// direction.
type PeerTransport struct {
	signaler      Signaler
	self          string // node identity string used in signaling
	authenticator PeerAuthenticator
	logger        *slog.Logger

	// iceConfig is protected separately because TURN credentials
	// refresh periodically while connections are live.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	// peers maps peer node identity -> peerState.
	mu    sync.Mutex
	peers map[string]*peerState

	// inboundStreams carries authenticated inbound frame channels.
	// Serve reads from it and starts a frame read loop per stream.
	inboundStreams chan *StreamConn

	ready     chan struct{}
	readyOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	channelCounter atomic.Uint64
}

// peerState tracks the PeerConnection to one remote node. The peers
// map and all fields are protected by PeerTransport.mu except the
// channels, which are closed exactly once via their sync.Once.
type peerState struct {
	connection  *webrtc.PeerConnection
	name        string
	established chan struct{} // closed when ICE reaches Connected/Completed

	authOnce sync.Once
	authDone chan struct{} // closed when the auth handshake finishes
	authErr  error         // set before authDone closes
}

// NewPeerTransport creates a peer transport. self is this node's
// identity (its name in signaling). A nil authenticator disables the
// handshake, for tests only. A nil logger discards.
func NewPeerTransport(signaler Signaler, self identity.Identity, authenticator PeerAuthenticator, iceConfig ICEConfig, logger *slog.Logger) *PeerTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PeerTransport{
		signaler:       signaler,
		self:           self.NodeIdentity().String(),
		authenticator:  authenticator,
		logger:         logger,
		iceConfig:      iceConfig,
		peers:          make(map[string]*peerState),
		inboundStreams: make(chan *StreamConn, 64),
		ready:          make(chan struct{}),
		closed:         make(chan struct{}),
	}
}

// Ready returns a channel closed once Serve has started the signaling
// poller. Callers can wait on it before dialing.
func (pt *PeerTransport) Ready() <-chan struct{} {
	return pt.ready
}

// Serve polls for inbound signaling offers and reads frames from
// every authenticated inbound channel, dispatching each frame to
// handler. Blocks until ctx is cancelled or Close is called.
func (pt *PeerTransport) Serve(ctx context.Context, handler FrameHandler) error {
	go pt.signalingPoller(ctx)
	pt.readyOnce.Do(func() { close(pt.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pt.closed:
			return nil
		case stream := <-pt.inboundStreams:
			go pt.readFrames(stream, handler)
		}
	}
}

func (pt *PeerTransport) readFrames(stream *StreamConn, handler FrameHandler) {
	defer stream.Close()
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			return
		}
		handler(frame)
	}
}

// Address returns this node's identity string; peers use it for
// signaling, not for dialing a socket.
func (pt *PeerTransport) Address() string {
	return pt.self
}

// Close shuts down every PeerConnection and stops the poller.
func (pt *PeerTransport) Close() error {
	pt.closeOnce.Do(func() { close(pt.closed) })

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for name, peer := range pt.peers {
		peer.connection.Close()
		delete(pt.peers, name)
	}
	return nil
}

// UpdateICEConfig replaces the ICE configuration for new
// PeerConnections. Existing connections keep their configuration.
func (pt *PeerTransport) UpdateICEConfig(config ICEConfig) {
	pt.configMu.Lock()
	defer pt.configMu.Unlock()
	pt.iceConfig = config
}

// Dial opens a frame channel to the peer identified by address (the
// peer's node identity string). If no PeerConnection exists, one is
// established by publishing an SDP offer and waiting for the answer,
// then authenticated. Each call creates a new ordered, reliable data
// channel.
func (pt *PeerTransport) Dial(ctx context.Context, address string) (Conn, error) {
	select {
	case <-pt.closed:
		return nil, ErrConnClosed
	default:
	}

	peer, err := pt.getOrCreatePeer(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w", address, err)
	}

	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pt.closed:
		return nil, ErrConnClosed
	}

	select {
	case <-peer.authDone:
		if peer.authErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, peer.authErr)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pt.closed:
		return nil, ErrConnClosed
	}

	return pt.openFrameChannel(peer)
}

// getOrCreatePeer returns the peerState for a peer, creating and
// signaling a new PeerConnection if necessary. A concurrent caller
// finds the map entry and waits on peer.established instead of
// starting duplicate signaling.
func (pt *PeerTransport) getOrCreatePeer(ctx context.Context, peerName string) (*peerState, error) {
	pt.mu.Lock()

	if peer, ok := pt.peers[peerName]; ok {
		state := peer.connection.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed &&
			state != webrtc.ICEConnectionStateClosed {
			pt.mu.Unlock()
			return peer, nil
		}
		// Dead connection. Tear down and re-establish.
		peer.connection.Close()
		delete(pt.peers, peerName)
	}

	pc, err := pt.newPeerConnection()
	if err != nil {
		pt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := pt.newPeerState(pc, peerName)
	pt.peers[peerName] = peer
	pt.mu.Unlock()

	// Signaling runs outside the lock. On failure, remove the map
	// entry so the next caller retries.
	if err := pt.establishOutbound(ctx, peer); err != nil {
		pt.mu.Lock()
		if current, ok := pt.peers[peerName]; ok && current == peer {
			delete(pt.peers, peerName)
		}
		pt.mu.Unlock()
		pc.Close()
		return nil, err
	}

	// The offerer drives the auth handshake once ICE connects.
	go pt.authenticateOutbound(peer)

	return peer, nil
}

func (pt *PeerTransport) newPeerState(pc *webrtc.PeerConnection, peerName string) *peerState {
	peer := &peerState{
		connection:  pc,
		name:        peerName,
		established: make(chan struct{}),
		authDone:    make(chan struct{}),
	}
	if pt.authenticator == nil {
		close(peer.authDone)
	}
	return peer
}

// completeAuth records the handshake result exactly once. Failure
// tears the PeerConnection down.
func (pt *PeerTransport) completeAuth(peer *peerState, err error) {
	peer.authOnce.Do(func() {
		peer.authErr = err
		close(peer.authDone)
		if err != nil {
			pt.logger.Warn("peer authentication failed", "peer", peer.name, "error", err)
			peer.connection.Close()
			pt.mu.Lock()
			if current, ok := pt.peers[peer.name]; ok && current == peer {
				delete(pt.peers, peer.name)
			}
			pt.mu.Unlock()
		}
	})
}

// authenticateOutbound opens the auth channel and runs the handshake.
// Only the offerer opens the channel; the answerer handles it in
// handleInboundDataChannel.
func (pt *PeerTransport) authenticateOutbound(peer *peerState) {
	if pt.authenticator == nil {
		return
	}

	select {
	case <-peer.established:
	case <-time.After(authTimeout):
		pt.completeAuth(peer, fmt.Errorf("ICE did not connect within %s", authTimeout))
		return
	case <-pt.closed:
		return
	}

	conn, err := pt.openChannel(peer, authChannelLabel)
	if err != nil {
		pt.completeAuth(peer, fmt.Errorf("opening auth channel: %w", err))
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(authTimeout))
	err = runPeerAuth(conn, pt.authenticator, pt.self, peer.name)
	pt.completeAuth(peer, err)
}

// establishOutbound performs SDP signaling for a PeerConnection that
// is already registered in the peers map. On success, the ICE state
// handler closes peer.established.
func (pt *PeerTransport) establishOutbound(ctx context.Context, peer *peerState) error {
	pc := peer.connection

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		pt.handleInboundDataChannel(dc, peer)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		pt.handleICEStateChange(peer, state)
	})

	// A trigger channel so pion includes a data channel section in
	// the SDP. Neither side uses it.
	if _, err := pc.CreateDataChannel("init", nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := pt.signaler.PublishOffer(ctx, pt.self, peer.name, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	pt.logger.Info("peer offer published", "peer", peer.name)

	answerSDP, err := pt.waitForAnswer(ctx, peer.name)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peer.name, err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	pt.logger.Info("peer connection established", "peer", peer.name)
	return nil
}

// waitForAnswer polls the signaler for an SDP answer from the peer.
func (pt *PeerTransport) waitForAnswer(ctx context.Context, peerName string) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-pt.closed:
			return "", ErrConnClosed
		case <-ticker.C:
			answers, err := pt.signaler.PollAnswers(ctx, pt.self)
			if err != nil {
				pt.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.PeerName == peerName {
					return answer.SDP, nil
				}
			}
		}
	}
}

// signalingPoller checks for incoming SDP offers in the background.
func (pt *PeerTransport) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pt.closed:
			return
		case <-ticker.C:
			pt.processInboundOffers(ctx)
		}
	}
}

// processInboundOffers answers new SDP offers, resolving offer races
// by letting the lexicographically smaller identity be the canonical
// offerer.
func (pt *PeerTransport) processInboundOffers(ctx context.Context) {
	offers, err := pt.signaler.PollOffers(ctx, pt.self)
	if err != nil {
		pt.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		pt.mu.Lock()
		existing, hasExisting := pt.peers[offer.PeerName]
		pt.mu.Unlock()

		if hasExisting {
			state := existing.connection.ICEConnectionState()
			if state != webrtc.ICEConnectionStateFailed &&
				state != webrtc.ICEConnectionStateClosed {
				if offer.PeerName > pt.self {
					// We are the canonical offerer; ignore theirs.
					continue
				}
			}
			// Either the peer is the canonical offerer or our
			// connection is dead; tear ours down and answer.
			pt.mu.Lock()
			existing.connection.Close()
			delete(pt.peers, offer.PeerName)
			pt.mu.Unlock()
		}

		if err := pt.answerOffer(ctx, offer); err != nil {
			pt.logger.Error("answering peer offer failed",
				"peer", offer.PeerName, "error", err)
		}
	}
}

// answerOffer creates a PeerConnection in response to an inbound SDP
// offer. The offerer opens the auth channel; this side only handles
// it.
func (pt *PeerTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := pt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := pt.newPeerState(pc, offer.PeerName)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		pt.handleInboundDataChannel(dc, peer)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		pt.handleICEStateChange(peer, state)
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := pt.signaler.PublishAnswer(ctx, offer.PeerName, pt.self, completeSDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	pt.mu.Lock()
	pt.peers[offer.PeerName] = peer
	pt.mu.Unlock()

	pt.logger.Info("peer inbound connection answered", "peer", offer.PeerName)
	return nil
}

// handleInboundDataChannel routes an inbound data channel: the init
// trigger is discarded, the auth channel runs the answerer's side of
// the handshake, and frame channels wait for auth before joining the
// inbound stream set.
func (pt *PeerTransport) handleInboundDataChannel(dc *webrtc.DataChannel, peer *peerState) {
	label := dc.Label()

	// The init channel exists only to force a data channel section
	// into the SDP. Accepting it would leave a goroutine blocked on a
	// channel nobody writes to.
	if label == "init" {
		dc.OnOpen(func() { dc.Close() })
		return
	}

	if label == authChannelLabel {
		dc.OnOpen(func() {
			raw, err := dc.Detach()
			if err != nil {
				pt.completeAuth(peer, fmt.Errorf("detaching auth channel: %w", err))
				return
			}
			conn := NewDataChannelConn(raw, pt.self+"/"+label, peer.name+"/"+label)
			defer conn.Close()
			if pt.authenticator == nil {
				return
			}
			conn.SetDeadline(time.Now().Add(authTimeout))
			err = runPeerAuth(conn, pt.authenticator, pt.self, peer.name)
			pt.completeAuth(peer, err)
		})
		return
	}

	if !strings.HasPrefix(label, framePrefix) {
		pt.logger.Warn("ignoring data channel with unknown label",
			"peer", peer.name, "label", label)
		return
	}

	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			pt.logger.Error("detaching inbound data channel failed",
				"peer", peer.name, "label", label, "error", err)
			return
		}
		conn := NewDataChannelConn(raw, pt.self+"/"+label, peer.name+"/"+label)

		// Frames flow only after the peer proves its identity.
		go func() {
			select {
			case <-peer.authDone:
				if peer.authErr != nil {
					conn.Close()
					return
				}
			case <-pt.closed:
				conn.Close()
				return
			}
			select {
			case pt.inboundStreams <- NewStreamConn(conn):
			case <-pt.closed:
				conn.Close()
			}
		}()
	})
}

// handleICEStateChange manages the established signal and peer map
// cleanup.
func (pt *PeerTransport) handleICEStateChange(peer *peerState, state webrtc.ICEConnectionState) {
	pt.logger.Debug("ICE state change", "peer", peer.name, "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		select {
		case <-peer.established:
		default:
			close(peer.established)
		}

	case webrtc.ICEConnectionStateFailed:
		pt.logger.Warn("peer connection failed, will re-establish on next dial",
			"peer", peer.name)
		// Left in the map: getOrCreatePeer checks the state and
		// re-establishes.

	case webrtc.ICEConnectionStateClosed:
		pt.mu.Lock()
		if current, ok := pt.peers[peer.name]; ok && current == peer {
			delete(pt.peers, peer.name)
		}
		pt.mu.Unlock()
	}
}

// openFrameChannel creates a new ordered, reliable frame channel and
// returns it as a Conn.
func (pt *PeerTransport) openFrameChannel(peer *peerState) (Conn, error) {
	label := fmt.Sprintf("%s%d", framePrefix, pt.channelCounter.Add(1))
	conn, err := pt.openChannel(peer, label)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn), nil
}

// openChannel creates a data channel with the given label and blocks
// until it opens, returning it detached as a net.Conn.
func (pt *PeerTransport) openChannel(peer *peerState, label string) (*DataChannelConn, error) {
	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within 10s", label)
	case <-pt.closed:
		dc.Close()
		return nil, ErrConnClosed
	}

	raw, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}
	return NewDataChannelConn(raw, pt.self+"/"+label, peer.name+"/"+label), nil
}

// newPeerConnection creates a pion PeerConnection with the current
// ICE config. The SettingEngine enables data channel detach (needed
// for stream access) and loopback candidates (needed for same-machine
// operation and tests).
func (pt *PeerTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	pt.configMu.RLock()
	config := webrtc.Configuration{ICEServers: pt.iceConfig.Servers}
	pt.configMu.RUnlock()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
