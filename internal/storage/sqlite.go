//go:build sqlite

package storage

import _ "modernc.org/sqlite"

// DefaultStoreKind is the backend used when none is named.
func DefaultStoreKind() string {
	return "sqlite"
}

func NewSQLiteStore(path string) *SQLStore {
	return &SQLStore{dialect: sqliteDialect, dsn: path}
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}
