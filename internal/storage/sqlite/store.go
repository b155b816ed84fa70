// Package sqlite implements the storage.Store contract on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/quillspace/quill/internal/storage"
)

// Store is the SQLite-backed implementation of storage.Store.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the database at path and applies the schema.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// beginImmediate starts an IMMEDIATE transaction on a dedicated connection.
// IMMEDIATE acquires the write lock up front, which serializes sequence
// assignment and job claims across concurrent writers. database/sql cannot
// express the transaction mode through BeginTx, so we issue raw BEGIN/COMMIT
// on a pinned connection, retrying SQLITE_BUSY with exponential backoff.
// The returned commit func commits the transaction; cleanup rolls back when
// commit was never reached and always releases the connection. Call cleanup
// with defer.
func (s *Store) beginImmediate(ctx context.Context) (conn *sql.Conn, commit func(context.Context) error, cleanup func(), err error) {
	conn, err = s.db.Conn(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("acquire connection: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	err = backoff.Retry(func() error {
		_, execErr := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if execErr == nil {
			return nil
		}
		if isBusy(execErr) {
			return execErr
		}
		return backoff.Permanent(execErr)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("begin immediate: %w", err)
	}

	committed := false
	commit = func(ctx context.Context) error {
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		committed = true
		return nil
	}
	cleanup = func() {
		if !committed {
			// Background context so cleanup runs even when ctx is canceled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
		_ = conn.Close()
	}
	return conn, commit, cleanup, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// ensureAuthor inserts the author row if it does not exist. Runs on the
// provided querier so it can participate in a surrounding transaction.
func ensureAuthor(ctx context.Context, q querier, author string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO authors (id) VALUES (?)`, author)
	return wrapDBError("ensure author", err)
}

// querier is the subset of sql.DB / sql.Conn / sql.Tx used by helpers.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
