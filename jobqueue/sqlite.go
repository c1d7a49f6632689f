// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package jobqueue

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weft-foundation/weft/lib/sqlitepool"
)

// SQLiteStore persists queue entries in SQLite. Entry ids come from
// the rowid, so they strictly increase in append order and Head's
// min-id read is FIFO.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

var _ Store = (*SQLiteStore)(nil)

const queueSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	queue       TEXT NOT NULL,
	payload     BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_entries_by_queue ON queue_entries (queue, id);
`

// NewSQLiteStore creates the schema on every pool connection and
// returns the store. The pool stays owned by the caller.
func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

// Schema applies the queue table schema to a connection. Pass it as
// (or call it from) the pool's OnConnect hook.
func Schema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, queueSchema, nil); err != nil {
		return fmt.Errorf("jobqueue: creating schema: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, queue string, payload []byte, enqueuedAt time.Time) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO queue_entries (queue, payload, enqueued_at) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{queue, payload, enqueuedAt.UnixNano()},
		})
	if err != nil {
		return 0, fmt.Errorf("jobqueue: inserting into %q: %w", queue, err)
	}
	return conn.LastInsertRowID(), nil
}

// Head implements Store.
func (s *SQLiteStore) Head(ctx context.Context, queue string) (Entry, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	defer s.pool.Put(conn)

	var entry Entry
	found := false
	err = sqlitex.Execute(conn,
		"SELECT id, payload, enqueued_at FROM queue_entries WHERE queue = ? ORDER BY id LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{queue},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				entry.ID = stmt.ColumnInt64(0)
				entry.Queue = queue
				entry.Payload = make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, entry.Payload)
				entry.EnqueuedAt = time.Unix(0, stmt.ColumnInt64(2)).UTC()
				return nil
			},
		})
	if err != nil {
		return Entry{}, false, fmt.Errorf("jobqueue: reading head of %q: %w", queue, err)
	}
	return entry, found, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM queue_entries WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("jobqueue: deleting entry %d: %w", id, err)
	}
	return nil
}

// Queues implements Store.
func (s *SQLiteStore) Queues(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var queues []string
	err = sqlitex.Execute(conn,
		"SELECT DISTINCT queue FROM queue_entries ORDER BY queue",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				queues = append(queues, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: listing queues: %w", err)
	}
	return queues, nil
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context, queue string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM queue_entries WHERE queue = ?",
		&sqlitex.ExecOptions{
			Args: []any{queue},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("jobqueue: counting %q: %w", queue, err)
	}
	return count, nil
}
