package storage

import _ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver

// NewPostgresStore returns a store backed by the Postgres server at dsn,
// e.g. postgres://localhost/volseg?sslmode=disable.
func NewPostgresStore(dsn string) *SQLStore {
	return &SQLStore{dialect: postgresDialect, dsn: dsn}
}
