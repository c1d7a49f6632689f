// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// signalingSeparator joins offerer and target identities into a
// signal key.
const signalingSeparator = "|"

// Signaler abstracts the mechanism for exchanging WebRTC session
// descriptions between nodes. Production deployments use the
// registry service's signaling endpoints (HTTPSignaler); tests use
// in-process maps (MemorySignaler).
//
// The signaling model is vanilla ICE: every ICE candidate is gathered
// before the SDP is published, so connection establishment needs
// exactly one signaling round trip (offer then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer from the node named
	// by localName directed at targetName. The implementation stores
	// it where the target's PollOffers finds it, keyed
	// "<localName>|<targetName>".
	PublishOffer(ctx context.Context, localName, targetName, sdp string) error

	// PublishAnswer publishes a complete SDP answer to an offer. The
	// key matches the offer: "<offererName>|<localName>".
	PublishAnswer(ctx context.Context, offererName, localName, sdp string) error

	// PollOffers returns pending offers directed at localName that
	// have not been returned before.
	PollOffers(ctx context.Context, localName string) ([]SignalMessage, error)

	// PollAnswers returns pending answers to offers originated by
	// localName that have not been returned before.
	PollAnswers(ctx context.Context, localName string) ([]SignalMessage, error)
}

// SignalMessage is one signaling message (offer or answer).
type SignalMessage struct {
	// PeerName is the node identity of the other party: the offerer
	// for received offers, the answerer for received answers.
	PeerName string

	// SDP is the complete session description with all ICE
	// candidates embedded.
	SDP string

	// Timestamp is the RFC 3339 creation time of the signal.
	Timestamp string
}
