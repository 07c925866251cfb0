package persistence

import (
	"context"
	"database/sql"
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// An in-memory database is private to one connection, so callers using
// ":memory:" should also call db.SetMaxOpenConns(1).
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialectSQLite}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}
