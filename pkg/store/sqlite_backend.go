package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteDocumentsSchemaV1 = `
CREATE TABLE IF NOT EXISTS documents (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    revision INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteBackend stores documents in one table of a SQLite database.
// Conditional writes run inside a transaction.
type SQLiteBackend struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

var _ Backend = (*SQLiteBackend)(nil)

func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	if dsn == "" {
		return nil, errors.New("sqlite backend: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteDocumentsSchemaV1); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite backend: migrate")
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Get(ctx context.Context, key Key) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, false, ErrClosed
	}
	return getSQLiteDocument(ctx, s.db, key)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getSQLiteDocument(ctx context.Context, q sqliteQuerier, key Key) (Document, bool, error) {
	var (
		doc         = Document{Key: key}
		updatedAtMs int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT value, revision, updated_at_ms FROM documents WHERE key = ?`, string(key),
	).Scan(&doc.Value, &doc.Revision, &updatedAtMs)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, errors.Wrapf(err, "sqlite backend: get %s", key)
	}
	doc.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	return doc, true, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, key Key, value string, expectedRevision uint64) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, _, err := getSQLiteDocument(ctx, tx, key)
	if err != nil {
		return Document{}, err
	}
	doc, err := nextDocument(key, value, current.Revision, expectedRevision, time.Now().UTC())
	if err != nil {
		return Document{}, err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (key, value, revision, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    value = excluded.value,
    revision = excluded.revision,
    updated_at_ms = excluded.updated_at_ms
`, string(key), doc.Value, doc.Revision, doc.UpdatedAt.UnixMilli())
	if err != nil {
		return Document{}, errors.Wrapf(err, "sqlite backend: put %s", key)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
