package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"volseg/internal/model"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name     string
	driver   string
	blobType string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite", blobType: "BLOB"}
	postgresDialect = dialect{name: "postgres", driver: "pgx", blobType: "BYTEA", numbered: true}
)

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload ` + d.blobType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subepochs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload ` + d.blobType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS subepochs_run_idx ON subepochs (run_id, idx)`,
	}
}

// createdAtLayout sorts lexically in time order.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// sqlOpen is swapped by tests.
var sqlOpen = sql.Open

// SQLStore persists records as versioned JSON payloads in a database/sql
// backend.
type SQLStore struct {
	dialect dialect
	dsn     string

	mu sync.RWMutex
	db *sql.DB
}

func (s *SQLStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return fmt.Errorf("%s path is required", s.dialect.name)
	}
	if s.db != nil {
		return nil
	}

	db, err := sqlOpen(s.dialect.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.dialect.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s: %w", s.dialect.name, err)
	}
	for _, stmt := range s.dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("create %s schema: %w", s.dialect.name, err)
		}
	}

	s.db = db
	return nil
}

func (s *SQLStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO runs (id, created_at, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`), run.ID, run.CreatedAt.UTC().Format(createdAtLayout), run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, s.dialect.rebind(`SELECT payload FROM runs WHERE id = ?`), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, payload FROM runs ORDER BY created_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []model.RunRecord
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLStore) SaveSubepoch(ctx context.Context, record model.SubepochRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeSubepoch(record)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO subepochs (id, run_id, idx, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			idx = excluded.idx,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`), record.ID, record.RunID, record.Index, record.SchemaVersion, record.CodecVersion, payload)
	return err
}

func (s *SQLStore) GetSubepoch(ctx context.Context, id string) (model.SubepochRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.SubepochRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, s.dialect.rebind(`SELECT payload FROM subepochs WHERE id = ?`), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SubepochRecord{}, false, nil
		}
		return model.SubepochRecord{}, false, err
	}

	record, err := DecodeSubepoch(payload)
	if err != nil {
		return model.SubepochRecord{}, false, fmt.Errorf("decode sub-epoch %s: %w", id, err)
	}
	return record, true, nil
}

func (s *SQLStore) ListSubepochs(ctx context.Context, runID string) ([]model.SubepochRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, s.dialect.rebind(`SELECT id, payload FROM subepochs WHERE run_id = ? ORDER BY idx, id`), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []model.SubepochRecord
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		record, err := DecodeSubepoch(payload)
		if err != nil {
			return nil, fmt.Errorf("decode sub-epoch %s: %w", id, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}
