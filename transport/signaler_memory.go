// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. Two
// PeerTransport instances sharing one MemorySignaler can establish
// PeerConnections without any network signaling.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen map[string]time.Time     // per-consumer dedup state
}

// NewMemorySignaler creates an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, localName, targetName, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := localName + signalingSeparator + targetName
	s.offers[key] = SignalMessage{
		PeerName:  localName,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offererName, localName, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := offererName + signalingSeparator + localName
	s.answers[key] = SignalMessage{
		PeerName:  localName,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, localName string) ([]SignalMessage, error) {
	// Offers directed at localName have keys "<peer>|<localName>".
	return s.poll("offers", s.offers, localName, func(key string) bool {
		return strings.HasSuffix(key, signalingSeparator+localName)
	}), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, localName string) ([]SignalMessage, error) {
	// Answers to our offers have keys "<localName>|<peer>".
	return s.poll("answers", s.answers, localName, func(key string) bool {
		return strings.HasPrefix(key, localName+signalingSeparator)
	}), nil
}

// poll returns messages matching the key predicate that are newer
// than what this consumer last saw.
func (s *MemorySignaler) poll(label string, store map[string]SignalMessage, localName string, match func(string) bool) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for key, msg := range store {
		if !match(key) {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			continue
		}
		seenKey := label + ":" + localName + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp
		messages = append(messages, msg)
	}
	return messages
}
