// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package node is the running Weft node: one context struct built at
// startup that owns the inbound envelope pipeline and the per-job
// worker loops.
//
// Inbound frames flow decode -> signature verify -> replay-window
// check -> dedup -> decrypt -> classify. The frame handler only
// decodes before handing off to a per-sender pipeline goroutine, so a
// sender stuck in identity resolution never stalls the connection's
// read loop. Job-bearing envelopes land in
// the job queue under their conversation's inbox name; the queue
// manager guarantees one consumer per inbox, so a conversation's
// messages are processed strictly in order while unrelated
// conversations run in parallel. Everything the node collaborates
// with (resolver, dispatcher, job processor) is injected, never
// ambient.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weft-foundation/weft/dispatch"
	"github.com/weft-foundation/weft/envelope"
	"github.com/weft-foundation/weft/jobqueue"
	"github.com/weft-foundation/weft/lib/clock"
	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/lib/keyring"
	"github.com/weft-foundation/weft/registry"
	"github.com/weft-foundation/weft/transport"
)

// DefaultReplayWindow bounds how far an envelope's scheduled time may
// deviate from the local clock before the envelope is dropped as a
// replay or a badly skewed sender.
const DefaultReplayWindow = 5 * time.Minute

// DefaultDedupCapacity is how many recently seen message keys are
// remembered for duplicate suppression.
const DefaultDedupCapacity = 8192

// inboundBacklog bounds the undecoded envelopes parked per sender
// while that sender's pipeline works. Overflow drops the frame; the
// sender's at-least-once retry redelivers it.
const inboundBacklog = 256

// Resolver is the slice of the registry resolver the node needs to
// verify and decrypt inbound envelopes.
type Resolver interface {
	Resolve(ctx context.Context, id identity.Identity) (registry.Resolved, error)
	Invalidate(id identity.Identity)
}

// Sender is the slice of the dispatcher the node uses for outbound
// traffic (acks, pongs, pings).
type Sender interface {
	Send(ctx context.Context, dest identity.Identity, payload []byte, opts dispatch.Options) error
}

// JobProcessor consumes one dequeued envelope for a job. It is the
// inference/processing collaborator at the node's boundary: the node
// guarantees it sees a job's messages one at a time, in order, and
// converts its errors into the job's Failed status.
type JobProcessor interface {
	Process(ctx context.Context, jobID string, env *envelope.Envelope) error
}

// QueueMessage is the payload persisted per queue entry: the envelope
// re-encoded after decryption, so a restart replays ready-to-process
// messages.
type QueueMessage struct {
	Envelope []byte `cbor:"envelope"`
}

// Config wires a Node.
type Config struct {
	// Identity is this node's own identity. Required.
	Identity identity.Identity

	// Keys holds the node's encryption and signing key material.
	// Required.
	Keys *keyring.Keyring

	// Resolver resolves inbound senders and outbound recipients.
	// Required.
	Resolver Resolver

	// Sender delivers outbound envelopes. Required.
	Sender Sender

	// Queue is the persistent job queue. Required.
	Queue *jobqueue.Manager[QueueMessage]

	// Processor handles dequeued job messages. Required.
	Processor JobProcessor

	// Listeners are served by Run with the node's frame handler.
	Listeners []transport.Listener

	// ReplayWindow defaults to DefaultReplayWindow.
	ReplayWindow time.Duration

	// PingInterval enables the periodic ping loop when positive.
	PingInterval time.Duration

	// PingPeers are pinged every PingInterval.
	PingPeers []identity.Identity

	// DedupCapacity defaults to DefaultDedupCapacity.
	DedupCapacity int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Node is the running node context.
type Node struct {
	self      identity.Identity
	keys      *keyring.Keyring
	resolver  Resolver
	sender    Sender
	queue     *jobqueue.Manager[QueueMessage]
	processor JobProcessor
	listeners []transport.Listener

	replayWindow time.Duration
	pingInterval time.Duration
	pingPeers    []identity.Identity
	dedupCap     int

	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	runCtx  context.Context
	jobs    map[string]JobStatus
	workers map[string]bool

	// inbound holds the per-sender envelope mailboxes. An entry exists
	// exactly while that sender's pipeline goroutine is alive.
	inbound map[string]*inboundMailbox

	// seen is the bounded duplicate-suppression set; seenOrder evicts
	// oldest-first once the capacity is reached.
	seen      map[string]struct{}
	seenOrder []string
}

// inboundMailbox queues one sender's decoded envelopes for its
// pipeline goroutine. Guarded by Node.mu.
type inboundMailbox struct {
	pending []*envelope.Envelope
}

// New builds a Node.
func New(cfg Config) (*Node, error) {
	if cfg.Identity.IsZero() {
		return nil, errors.New("node: Config.Identity is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("node: Config.Keys is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("node: Config.Resolver is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("node: Config.Sender is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("node: Config.Queue is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("node: Config.Processor is required")
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = DefaultDedupCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Node{
		self:         cfg.Identity,
		keys:         cfg.Keys,
		resolver:     cfg.Resolver,
		sender:       cfg.Sender,
		queue:        cfg.Queue,
		processor:    cfg.Processor,
		listeners:    cfg.Listeners,
		replayWindow: cfg.ReplayWindow,
		pingInterval: cfg.PingInterval,
		pingPeers:    cfg.PingPeers,
		dedupCap:     cfg.DedupCapacity,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		jobs:         make(map[string]JobStatus),
		workers:      make(map[string]bool),
		inbound:      make(map[string]*inboundMailbox),
		seen:         make(map[string]struct{}),
	}, nil
}

// Run serves every listener with the node's frame handler, resumes
// workers for queues that survived a restart, and runs the ping loop.
// Blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.mu.Lock()
	n.runCtx = ctx
	n.mu.Unlock()

	var wg sync.WaitGroup
	for _, listener := range n.listeners {
		wg.Add(1)
		go func(listener transport.Listener) {
			defer wg.Done()
			if err := listener.Serve(ctx, n.HandleFrame); err != nil {
				n.logger.Error("listener failed", "address", listener.Address(), "error", err)
			}
		}(listener)
	}

	if n.pingInterval > 0 && len(n.pingPeers) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.pingLoop(ctx)
		}()
	}

	// Entries pushed before a crash are still in the store; restart
	// their consumers.
	n.resumeQueues(ctx)

	<-ctx.Done()
	for _, listener := range n.listeners {
		listener.Close()
	}
	wg.Wait()
	return nil
}

// resumeQueues starts a worker for every queue holding persisted
// entries. Checkout state is never persisted, so everything reloads as
// pending.
func (n *Node) resumeQueues(ctx context.Context) {
	queues, err := n.queue.Queues(ctx)
	if err != nil {
		n.logger.Error("listing persisted queues failed", "error", err)
		return
	}
	for _, queue := range queues {
		n.markQueued(queue)
		n.ensureWorker(queue)
	}
}

func (n *Node) runContext() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runCtx != nil {
		return n.runCtx
	}
	return context.Background()
}

// HandleFrame is the node's transport.FrameHandler. It runs on the
// connection's read goroutine, so it only decodes and hands off: the
// pipeline's slow stages (registry resolution, control replies) run on
// per-sender goroutines where one stuck sender cannot stall the
// stream. Envelopes that fail any check are dropped with a log line
// and never partially trusted.
func (n *Node) HandleFrame(frame transport.Frame) {
	if frame.Type != transport.FrameEnvelope {
		return
	}
	if frame.Recipient.Node() != n.self.Node() {
		n.logger.Warn("dropping frame for foreign recipient", "recipient", frame.Recipient)
		return
	}

	env, err := envelope.Decode(frame.Payload)
	if err != nil {
		n.logger.Warn("dropping malformed envelope", "error", err)
		return
	}
	sender, err := identity.Parse(env.External.Sender)
	if err != nil {
		n.logger.Warn("dropping envelope with malformed sender", "sender", env.External.Sender)
		return
	}
	n.dispatchInbound(sender, env)
}

// dispatchInbound parks an envelope in its sender's mailbox and makes
// sure a pipeline goroutine is draining it. One goroutine per sender
// keeps a sender's envelopes in arrival order while distinct senders
// proceed independently.
func (n *Node) dispatchInbound(sender identity.Identity, env *envelope.Envelope) {
	key := sender.String()

	n.mu.Lock()
	mailbox, running := n.inbound[key]
	if !running {
		mailbox = &inboundMailbox{}
		n.inbound[key] = mailbox
	}
	if len(mailbox.pending) >= inboundBacklog {
		n.mu.Unlock()
		n.logger.Warn("dropping envelope, sender backlog full", "sender", sender)
		return
	}
	mailbox.pending = append(mailbox.pending, env)
	n.mu.Unlock()

	if !running {
		go n.drainInbound(key, sender)
	}
}

// drainInbound is one sender's pipeline goroutine. It exits, removing
// the mailbox, as soon as the mailbox is empty; the next envelope from
// that sender starts a fresh one.
func (n *Node) drainInbound(key string, sender identity.Identity) {
	ctx := n.runContext()
	for {
		n.mu.Lock()
		mailbox := n.inbound[key]
		if len(mailbox.pending) == 0 || ctx.Err() != nil {
			delete(n.inbound, key)
			n.mu.Unlock()
			return
		}
		env := mailbox.pending[0]
		mailbox.pending = mailbox.pending[1:]
		n.mu.Unlock()

		n.handleEnvelope(ctx, sender, env)
	}
}

func (n *Node) handleEnvelope(ctx context.Context, sender identity.Identity, env *envelope.Envelope) {
	resolved, err := n.resolver.Resolve(ctx, sender)
	if err != nil {
		n.logger.Warn("dropping envelope from unresolvable sender", "sender", sender, "error", err)
		return
	}

	if !envelope.Verify(env, resolved.SigningKey) {
		n.logger.Warn("dropping envelope with bad signature", "sender", sender)
		return
	}

	scheduled, err := time.Parse(time.RFC3339Nano, env.External.ScheduledTime)
	if err != nil {
		n.logger.Warn("dropping envelope with malformed scheduled time",
			"sender", sender, "scheduled_time", env.External.ScheduledTime)
		return
	}
	now := n.clock.Now()
	if scheduled.Before(now.Add(-n.replayWindow)) || scheduled.After(now.Add(n.replayWindow)) {
		n.logger.Warn("dropping envelope outside the replay window",
			"sender", sender, "scheduled_time", env.External.ScheduledTime)
		return
	}

	key, err := dedupKey(env)
	if err != nil {
		n.logger.Warn("dropping envelope without a dedup key", "sender", sender, "error", err)
		return
	}
	if n.isDuplicate(key) {
		n.logger.Info("dropping duplicate envelope", "sender", sender)
		return
	}

	if env.IsBodyEncrypted() {
		if err := envelope.DecryptBody(env, n.keys.Encryption, resolved.EncryptionKey); err != nil {
			n.logger.Warn("dropping undecryptable envelope", "sender", sender, "error", err)
			return
		}
	}

	n.classify(ctx, sender, env)
}

// classify routes a verified, decrypted envelope: control messages are
// handled inline, everything else is enqueued under its conversation.
func (n *Node) classify(ctx context.Context, sender identity.Identity, env *envelope.Envelope) {
	if data := env.Body.Plain.MessageData.Plain; data != nil {
		switch {
		case data.ContentSchema == envelope.SchemaTextContent && data.RawContent == envelope.ContentPing:
			n.sendControl(ctx, sender, envelope.NewPong(n.self, sender, n.clock.Now()))
			return
		case data.ContentSchema == envelope.SchemaTextContent && data.RawContent == envelope.ContentPong:
			n.logger.Debug("pong received", "sender", sender)
			return
		case data.ContentSchema == envelope.SchemaTextContent && data.RawContent == envelope.ContentAck:
			n.logger.Debug("ack received", "sender", sender)
			return
		}
	}

	queue := env.Inbox()
	if queue == "" {
		n.logger.Warn("dropping envelope without an inbox", "sender", sender)
		return
	}

	if err := n.enqueue(ctx, queue, env); err != nil {
		n.logger.Error("enqueuing envelope failed", "queue", queue, "error", err)
		return
	}

	// At-least-once delivery means the sender may retry; the ack
	// tells it this copy arrived. Best-effort, never durable.
	n.sendControl(ctx, sender, envelope.NewAck(n.self, sender, n.clock.Now()))
}

// enqueue persists the envelope under its conversation's queue and
// makes sure a worker is consuming that queue.
func (n *Node) enqueue(ctx context.Context, queue string, env *envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("re-encoding envelope: %w", err)
	}
	if err := n.queue.Push(ctx, queue, QueueMessage{Envelope: raw}, n.clock.Now()); err != nil {
		return err
	}
	n.markQueued(queue)
	n.ensureWorker(queue)
	return nil
}

// sendControl signs, encodes, and fires a control envelope (ack, ping,
// pong). Control traffic is never queued durably; it expires with the
// moment.
func (n *Node) sendControl(ctx context.Context, dest identity.Identity, env *envelope.Envelope) {
	if err := envelope.Sign(env, n.keys.Signing); err != nil {
		n.logger.Error("signing control envelope failed", "error", err)
		return
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		n.logger.Error("encoding control envelope failed", "error", err)
		return
	}
	if err := n.sender.Send(ctx, dest, raw, dispatch.Options{NoDurable: true}); err != nil {
		n.logger.Warn("sending control envelope failed", "destination", dest, "error", err)
	}
}

// dedupKey prefers the sender's explicit idempotency token; failing
// that, the envelope's content hash.
func dedupKey(env *envelope.Envelope) (string, error) {
	if env.External.Other != "" {
		return env.External.Other, nil
	}
	return env.Hash()
}

// isDuplicate records key and reports whether it was already seen.
// The set is bounded; the oldest keys fall out first.
func (n *Node) isDuplicate(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.seen[key]; ok {
		return true
	}
	n.seen[key] = struct{}{}
	n.seenOrder = append(n.seenOrder, key)
	if len(n.seenOrder) > n.dedupCap {
		oldest := n.seenOrder[0]
		n.seenOrder = n.seenOrder[1:]
		delete(n.seen, oldest)
	}
	return false
}
