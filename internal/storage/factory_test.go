package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}

func TestNewStorePostgres(t *testing.T) {
	store, err := NewStore("postgres", "postgres://localhost/volseg?sslmode=disable")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	sqlStore, ok := store.(*SQLStore)
	if !ok || sqlStore.dialect.driver != "pgx" {
		t.Fatalf("expected pgx-backed store, got %T", store)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestSQLStoreInitReportsOpenFailure(t *testing.T) {
	openErr := errors.New("no route to host")
	prev := sqlOpen
	sqlOpen = func(string, string) (*sql.DB, error) { return nil, openErr }
	t.Cleanup(func() { sqlOpen = prev })

	store := NewPostgresStore("postgres://db.invalid/volseg")
	err := store.Init(context.Background())
	if !errors.Is(err, openErr) {
		t.Fatalf("expected open error, got %v", err)
	}
	if !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected backend in error, got %v", err)
	}
	if _, _, err := store.GetRun(context.Background(), "x"); err == nil {
		t.Fatal("expected uninitialized store error")
	}
}

func TestSQLStoreRequiresTarget(t *testing.T) {
	if err := NewPostgresStore("").Init(context.Background()); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	query := `SELECT payload FROM subepochs WHERE run_id = ? AND idx > ? LIMIT ?`
	if got := sqliteDialect.rebind(query); got != query {
		t.Fatalf("sqlite query should be unchanged, got %s", got)
	}
	want := `SELECT payload FROM subepochs WHERE run_id = $1 AND idx > $2 LIMIT $3`
	if got := postgresDialect.rebind(query); got != want {
		t.Fatalf("unexpected postgres query: %s", got)
	}
}

func TestSchemaUsesDialectBlobType(t *testing.T) {
	for _, stmt := range postgresDialect.schema()[:2] {
		if !strings.Contains(stmt, "BYTEA") {
			t.Fatalf("expected BYTEA payload column: %s", stmt)
		}
	}
}

func TestDefaultStoreKindIsBuildable(t *testing.T) {
	store, err := NewStore(DefaultStoreKind(), t.TempDir()+"/volseg.db")
	if err != nil {
		t.Fatalf("default store kind %q: %v", DefaultStoreKind(), err)
	}
	_ = CloseIfSupported(store)
}
