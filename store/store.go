// Package store implements RetryStore, a durable ordered FIFO queue backed
// by a single-file SQLite database, per spec.md §4.2. Entries are appended
// and popped in strict insertion order, so a message that could not be
// delivered survives a process restart and is retried without reordering.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go.vigilo.io/connector/errors"
	"go.vigilo.io/connector/log"
)

// busyRetryDelay is how long a writer waits before retrying an operation
// that failed because the database file was locked by another process,
// per spec.md §7 ("RetryStore contention").
const busyRetryDelay = 500 * time.Millisecond

// RetryStore is a durable FIFO: Put appends, Pop removes and returns the
// oldest entry, and Size/Flush report on and persist any buffered state.
type RetryStore struct {
	mu    sync.Mutex
	db    *sql.DB
	table string
	log   log.Logger

	// bufferIn holds payloads accepted by Put but not yet written to disk.
	bufferIn [][]byte

	// bufferOut holds rows prefetched by Pop (already deleted from disk in
	// the prefetch transaction) that have not yet been returned to a
	// caller, plus entries re-inserted by PutFront. They exist only in
	// memory until popped; on Close any unconsumed entries are replayed
	// back into bufferIn and written to disk.
	bufferOut [][]byte
}

// Open creates (if absent) the database file at path and the named table,
// and returns a ready-to-use RetryStore. Open is idempotent. Passing
// ":memory:" as path yields a non-persistent store, per spec.md §6's
// `backup_file` configuration key.
func Open(path, table string, ll log.Logger) (*RetryStore, error) {
	if ll == nil {
		ll = log.Discard()
	}
	if !isValidTableName(table) {
		return nil, errors.New(fmt.Sprintf("invalid table name: %q", table))
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open retry store")
	}
	db.SetMaxOpenConns(1) // spec.md §4.2: serialized, at most one writer and one reader

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		msg BLOB NOT NULL
	)`, table)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize retry store schema")
	}

	return &RetryStore{db: db, table: table, log: ll.WithField("table", table)}, nil
}

// Put appends payload to the store, returning once the row is durable.
// Writes are coalesced through bufferIn, which is flushed immediately;
// the in-memory stage exists so Flush/Size can observe writes that have
// not yet cleared a transient SQLITE_BUSY condition.
func (s *RetryStore) Put(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferIn = append(s.bufferIn, payload)
	return s.flushInLocked(ctx)
}

// Pop returns the oldest entry and removes it in one transaction. It
// returns ok == false when the store (disk and buffers) is empty.
func (s *RetryStore) Pop(ctx context.Context) (payload []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.bufferOut) > 0 {
		payload = s.bufferOut[0]
		s.bufferOut = s.bufferOut[1:]
		return payload, true, nil
	}

	if err := s.prefetchLocked(ctx); err != nil {
		return nil, false, err
	}
	if len(s.bufferOut) == 0 {
		return nil, false, nil
	}
	payload = s.bufferOut[0]
	s.bufferOut = s.bufferOut[1:]
	return payload, true, nil
}

// prefetchSize is how many rows Pop pulls from disk at a time into
// bufferOut.
const prefetchSize = 16

func (s *RetryStore) prefetchLocked(ctx context.Context) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(
			"SELECT id, msg FROM %s ORDER BY id ASC LIMIT ?", s.table), prefetchSize)
		if err != nil {
			_ = tx.Rollback()
			return err
		}

		var ids []int64
		var payloads [][]byte
		for rows.Next() {
			var id int64
			var msg []byte
			if err := rows.Scan(&id, &msg); err != nil {
				_ = rows.Close()
				_ = tx.Rollback()
				return err
			}
			ids = append(ids, id)
			payloads = append(payloads, msg)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return err
		}
		_ = rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.bufferOut = append(s.bufferOut, payloads...)
		return nil
	})
}

// PutFront re-inserts payload ahead of anything else still waiting to be
// popped, rather than appending it to the tail like Put. Callers use this
// when a message was already popped but a downstream write failed before it
// could be delivered: since Pop already removed it from its earlier
// position, appending it to the tail via Put would let any entry still
// queued behind it overtake it, violating the FIFO ordering spec.md §4.2/§8
// require of the store.
func (s *RetryStore) PutFront(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferOut = append([][]byte{payload}, s.bufferOut...)
}

// Size reports the row count on disk plus the size of both buffers.
func (s *RetryStore) Size(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushInLocked(ctx); err != nil {
		return 0, err
	}

	var n int
	err := s.withBusyRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table))
		return row.Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n + len(s.bufferOut), nil
}

// Buffers reports the lengths of the in-memory write/read buffers and the
// store's total size, for the `retry_in_buf`/`retry_out_buf`/`retry_size`
// fields of Forwarder.Stats (spec.md §4.3).
func (s *RetryStore) Buffers(ctx context.Context) (bufferIn, bufferOut, size int) {
	s.mu.Lock()
	in, out := len(s.bufferIn), len(s.bufferOut)
	s.mu.Unlock()
	n, err := s.Size(ctx)
	if err != nil {
		return in, out, in + out
	}
	return in, out, n
}

// Flush drains bufferIn to disk and returns. It does not write bufferOut
// back to disk: those entries were deleted from disk when prefetched and
// stay in memory only, until popped or until Close writes them back.
func (s *RetryStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushInLocked(ctx)
}

func (s *RetryStore) flushInLocked(ctx context.Context) error {
	if len(s.bufferIn) == 0 {
		return nil
	}
	pending := s.bufferIn
	err := s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (msg) VALUES (?)", s.table))
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		for _, p := range pending {
			if _, err := stmt.ExecContext(ctx, p); err != nil {
				_ = stmt.Close()
				_ = tx.Rollback()
				return err
			}
		}
		_ = stmt.Close()
		return tx.Commit()
	})
	if err != nil {
		// spec.md §4.2: a write failure must not silently drop the
		// message; leave it in bufferIn for the caller to retry.
		s.log.Errorf("failed to flush retry store: %v", err)
		return errors.Wrap(err, "retry store flush failed")
	}
	s.bufferIn = nil
	return nil
}

// Close replays any unconsumed bufferOut entries back into bufferIn,
// flushes to disk, and closes the underlying database handle.
func (s *RetryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if len(s.bufferOut) > 0 {
		s.bufferIn = append(s.bufferOut, s.bufferIn...)
		s.bufferOut = nil
	}
	s.mu.Unlock()

	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.db.Close()
}

// withBusyRetry runs fn once, and if it fails with SQLITE_BUSY retries
// once after busyRetryDelay, per spec.md §7's locking-contention behavior.
func (s *RetryStore) withBusyRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isBusy(err) {
		return err
	}
	s.log.Warning("retry store locked, retrying after 500ms")
	select {
	case <-time.After(busyRetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func isValidTableName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
