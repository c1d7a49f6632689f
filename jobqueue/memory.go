// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a volatile Store for tests and for callers that
// explicitly opt out of durability. It provides the same FIFO and id
// semantics as SQLiteStore with no persistence.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	queues map[string][]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, queues: make(map[string][]Entry)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, queue string, payload []byte, enqueuedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.queues[queue] = append(s.queues[queue], Entry{
		ID:         id,
		Queue:      queue,
		Payload:    buf,
		EnqueuedAt: enqueuedAt,
	})
	return id, nil
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, queue string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queues[queue]
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for queue, entries := range s.queues {
		for i, entry := range entries {
			if entry.ID == id {
				s.queues[queue] = append(entries[:i:i], entries[i+1:]...)
				if len(s.queues[queue]) == 0 {
					delete(s.queues, queue)
				}
				return nil
			}
		}
	}
	return nil
}

// Queues implements Store.
func (s *MemoryStore) Queues(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := make([]string, 0, len(s.queues))
	for queue := range s.queues {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queue]), nil
}
