package storage

import "fmt"

// NewStore builds the backend named by kind. target is the database file
// for sqlite and the DSN for postgres.
func NewStore(kind, target string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(target)
	case "postgres":
		return NewPostgresStore(target), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
