package persistence

import (
	"context"
	"database/sql"
)

// NewPostgresStore initializes the required schema in the given database
// and returns a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver, for example
// "github.com/jackc/pgx/v5/stdlib". The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
//
// ClaimReady locks candidate rows with FOR UPDATE SKIP LOCKED, so any
// number of processes may poll the same database.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}
