// Package sqlitestore is a sqlite Backend for the sealed store. One kv table
// holds every sealed record keyed by (logical table, hashed key); the KDF
// header sits in its own single-row table. Values are opaque BLOBs, so the
// database file leaks only record counts and sizes.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"mantle/internal/store/sealed"
)

const schema = `
CREATE TABLE IF NOT EXISTS header (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kv (
	tbl   TEXT NOT NULL,
	k     TEXT NOT NULL,
	v     BLOB NOT NULL,
	PRIMARY KEY (tbl, k)
);
`

// Store implements sealed.Backend on a sqlite database.
type Store struct {
	db *sql.DB

	// tx is set on transaction views; queries go through it instead.
	tx *sql.Tx
}

var _ sealed.Backend = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	// A single connection sidesteps sqlite's multi-writer locking; the
	// sealed store serialises writes anyway.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Store) Header(ctx context.Context) ([]byte, bool, error) {
	var value []byte
	err := s.q().QueryRowContext(ctx, `SELECT value FROM header WHERE id = 1`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) PutHeader(ctx context.Context, header []byte) error {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO header (id, value) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET value = excluded.value`, header)
	return err
}

func (s *Store) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	var value []byte
	err := s.q().QueryRowContext(ctx, `SELECT v FROM kv WHERE tbl = ? AND k = ?`, table, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO kv (tbl, k, v) VALUES (?, ?, ?)
		 ON CONFLICT (tbl, k) DO UPDATE SET v = excluded.v`, table, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	_, err := s.q().ExecContext(ctx, `DELETE FROM kv WHERE tbl = ? AND k = ?`, table, key)
	return err
}

func (s *Store) List(ctx context.Context, table string) ([][]byte, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT v FROM kv WHERE tbl = ?`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

// Transaction maps directly onto a sqlite transaction. Nested transactions
// run inside the outer one; sqlite has no true nesting and the store
// contract does not need it.
func (s *Store) Transaction(ctx context.Context, fn func(tx sealed.Backend) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Store{db: s.db, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
