// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobqueue implements a generic persistent multi-queue keyed
// by queue name (job id in practice).
//
// The core guarantee is at most one active consumer per queue name at
// any instant, while distinct queue names run fully concurrently. A
// consumer calls Pop to block until an entry is available and the
// queue is not checked out, processes the returned payload, then
// calls Release (processed, delete the entry) or Abandon (processing
// failed before completion, redeliver the entry). The manager never
// interprets payloads and never retries processing on the caller's
// behalf.
//
// Entries are persisted through a Store before Pop can see them, so
// a crash between enqueue and processing loses nothing. Checkout
// state is deliberately not persisted: on restart every queue
// reconstructs to pending, so a consumer that died mid-processing
// cannot leave its queue permanently checked out.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPersist wraps storage-layer failures from Push. The entry was
// not persisted; the caller must retry, not drop the payload.
var ErrPersist = errors.New("jobqueue: persist failed")

// Entry is one persisted queue item. IDs are assigned by the store
// and strictly increase within a queue, which is what makes Head
// FIFO.
type Entry struct {
	ID         int64
	Queue      string
	Payload    []byte
	EnqueuedAt time.Time
}

// Store persists queue entries. Implementations must be safe for
// concurrent use. The manager holds no entry state of its own beyond
// the in-flight checkout, so everything the store returns must come
// from durable (or deliberately volatile, for MemoryStore) state.
type Store interface {
	// Append persists an entry and returns its assigned id.
	Append(ctx context.Context, queue string, payload []byte, enqueuedAt time.Time) (int64, error)

	// Head returns the oldest entry in the queue. ok is false when
	// the queue is empty.
	Head(ctx context.Context, queue string) (entry Entry, ok bool, err error)

	// Delete removes the entry with the given id.
	Delete(ctx context.Context, id int64) error

	// Queues lists every queue name with at least one entry.
	Queues(ctx context.Context) ([]string, error)

	// Len reports the number of entries in the queue.
	Len(ctx context.Context, queue string) (int, error)
}

// Manager coordinates consumers over a Store. The type parameter is
// the payload type; payloads are serialized by the codec function
// pair supplied at construction (canonical CBOR in production).
type Manager[T any] struct {
	store   Store
	logger  *slog.Logger
	encode  func(T) ([]byte, error)
	decode  func([]byte, *T) error

	mu     sync.Mutex
	queues map[string]*queueState
}

// queueState is the per-queue synchronization record. The notify
// channel has capacity one: a signal means "state changed, re-check",
// and collapsing bursts of signals is fine because every woken
// consumer re-reads the store under the manager lock.
type queueState struct {
	notify     chan struct{}
	checkedOut bool
	headID     int64
}

// NewManager returns a manager over store using the given payload
// codec. A nil logger discards.
func NewManager[T any](store Store, encode func(T) ([]byte, error), decode func([]byte, *T) error, logger *slog.Logger) *Manager[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager[T]{
		store:  store,
		logger: logger,
		encode: encode,
		decode: decode,
		queues: make(map[string]*queueState),
	}
}

// Push persists payload at the tail of the named queue, then wakes a
// blocked Pop if one is waiting. Storage failures surface as errors
// wrapping ErrPersist and the entry is not enqueued.
func (m *Manager[T]) Push(ctx context.Context, queue string, payload T, at time.Time) error {
	data, err := m.encode(payload)
	if err != nil {
		return fmt.Errorf("jobqueue: encoding payload for %q: %w", queue, err)
	}
	if _, err := m.store.Append(ctx, queue, data, at); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	m.logger.Debug("entry enqueued", "queue", queue)
	m.signal(queue)
	return nil
}

// Pop blocks until the named queue has an entry and no other consumer
// holds its checkout, then atomically checks the queue out and
// returns the head entry. Entries within a queue are delivered in
// FIFO order, exactly once per checkout. Concurrent Pops on the same
// queue are safe; exactly one proceeds at a time. The caller must
// finish with Release or Abandon.
func (m *Manager[T]) Pop(ctx context.Context, queue string) (T, error) {
	var zero T
	for {
		entry, notify, err := m.tryCheckout(ctx, queue)
		if err != nil {
			return zero, err
		}
		if notify == nil {
			var payload T
			if err := m.decode(entry.Payload, &payload); err != nil {
				// An undecodable entry would wedge its queue at the
				// head forever. Drop it and surface the error; the
				// queue itself stays usable.
				m.dropCorrupt(ctx, queue, entry.ID)
				return zero, fmt.Errorf("jobqueue: decoding entry %d in %q: %w", entry.ID, queue, err)
			}
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-notify:
		}
	}
}

// TryPop is Pop without the wait: when the queue has a pending entry
// and no consumer holds the checkout, it checks the queue out and
// returns the head with ok true; otherwise ok is false and nothing is
// held. Scanners that must never block on a queue another consumer may
// drain concurrently use this instead of a Len-then-Pop pair, which
// races between the two calls.
func (m *Manager[T]) TryPop(ctx context.Context, queue string) (T, bool, error) {
	var zero T
	entry, notify, err := m.tryCheckout(ctx, queue)
	if err != nil {
		return zero, false, err
	}
	if notify != nil {
		return zero, false, nil
	}
	var payload T
	if err := m.decode(entry.Payload, &payload); err != nil {
		m.dropCorrupt(ctx, queue, entry.ID)
		return zero, false, fmt.Errorf("jobqueue: decoding entry %d in %q: %w", entry.ID, queue, err)
	}
	return payload, true, nil
}

// tryCheckout attempts the atomic available-and-not-checked-out
// transition. On success it returns the head entry and a nil channel;
// otherwise it returns the queue's notify channel for the caller to
// wait on.
func (m *Manager[T]) tryCheckout(ctx context.Context, queue string) (Entry, <-chan struct{}, error) {
	m.mu.Lock()
	state := m.stateLocked(queue)
	if state.checkedOut {
		notify := state.notify
		m.mu.Unlock()
		return Entry{}, notify, nil
	}

	// The store read happens under the manager lock so two consumers
	// cannot both see the same head before either marks the
	// checkout. Head is an indexed point read; contention here is
	// bounded by per-queue processing, not by queue count.
	entry, ok, err := m.store.Head(ctx, queue)
	if err != nil {
		m.mu.Unlock()
		return Entry{}, nil, fmt.Errorf("jobqueue: reading head of %q: %w", queue, err)
	}
	if !ok {
		notify := state.notify
		m.mu.Unlock()
		return Entry{}, notify, nil
	}

	state.checkedOut = true
	state.headID = entry.ID
	m.mu.Unlock()
	return entry, nil, nil
}

// Release completes the current checkout: the head entry is deleted
// from the store and the queue returns to pending (or empty). The
// next blocked Pop proceeds. Calling Release without a checkout is an
// error.
func (m *Manager[T]) Release(ctx context.Context, queue string) error {
	m.mu.Lock()
	state := m.stateLocked(queue)
	if !state.checkedOut {
		m.mu.Unlock()
		return fmt.Errorf("jobqueue: release of %q without checkout", queue)
	}
	headID := state.headID
	m.mu.Unlock()

	if err := m.store.Delete(ctx, headID); err != nil {
		// The checkout stays held so the entry cannot be delivered
		// twice; the caller retries Release.
		return fmt.Errorf("%w: deleting entry %d in %q: %v", ErrPersist, headID, queue, err)
	}

	m.mu.Lock()
	state.checkedOut = false
	state.headID = 0
	m.mu.Unlock()
	m.signal(queue)
	return nil
}

// Abandon ends the current checkout without deleting the entry. The
// head is redelivered to the next Pop, in order. Use it when the
// consumer failed before completing processing. Calling Abandon
// without a checkout is a no-op.
func (m *Manager[T]) Abandon(queue string) {
	m.mu.Lock()
	state := m.stateLocked(queue)
	state.checkedOut = false
	state.headID = 0
	m.mu.Unlock()
	m.signal(queue)
}

// Len reports the number of persisted entries in the queue, including
// a checked-out head.
func (m *Manager[T]) Len(ctx context.Context, queue string) (int, error) {
	return m.store.Len(ctx, queue)
}

// Queues lists every queue with at least one persisted entry. Used on
// startup to restart workers for queues that had a backlog when the
// process died.
func (m *Manager[T]) Queues(ctx context.Context) ([]string, error) {
	return m.store.Queues(ctx)
}

// stateLocked returns the queue's state record, creating it on first
// use. Queue names need no pre-registration. Caller holds m.mu.
func (m *Manager[T]) stateLocked(queue string) *queueState {
	state, ok := m.queues[queue]
	if !ok {
		state = &queueState{notify: make(chan struct{}, 1)}
		m.queues[queue] = state
	}
	return state
}

// signal wakes one waiter on the queue. Non-blocking: a full buffer
// already means "re-check pending".
func (m *Manager[T]) signal(queue string) {
	m.mu.Lock()
	state := m.stateLocked(queue)
	m.mu.Unlock()
	select {
	case state.notify <- struct{}{}:
	default:
	}
}

func (m *Manager[T]) dropCorrupt(ctx context.Context, queue string, id int64) {
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Error("failed to drop corrupt entry", "queue", queue, "id", id, "error", err)
	}
	m.Abandon(queue)
}
