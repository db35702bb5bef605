// storage/sqlite.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// sqliteBackend keeps all objects as rows of a single table in a SQLite
// database file; it's handy for keeping a whole backup in one local file.
type sqliteBackend struct {
	path string
	db   *sql.DB
}

// NewSQLite returns a Backend that stores objects in the SQLite database at
// path, creating it if needed. ":memory:" gives a transient database.
func NewSQLite(path string) (Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection, so that ":memory:" databases are shared.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		`CREATE TABLE IF NOT EXISTS objects (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "%s", path)
		}
	}
	return &sqliteBackend{path: path, db: db}, nil
}

func (s *sqliteBackend) String() string {
	return "sqlite://" + s.path
}

func (s *sqliteBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO objects (name, data) VALUES (?, ?)", name, data)
	return err
}

func (s *sqliteBackend) Get(ctx context.Context, name string) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM objects WHERE name = ?",
		name).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	} else if err != nil {
		return nil, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (s *sqliteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM objects")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *sqliteBackend) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM objects WHERE name = ?", name)
	return err
}
