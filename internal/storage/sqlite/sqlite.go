// Package sqlite implements storage.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It serves single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kanri/internal/storage"
)

// Store is a storage.Store backed by SQLite.
type Store struct {
	db       *sql.DB
	ordering storage.StepOrdering
	logger   *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db dir: %w", err)
		}
	}

	// foreign_keys and busy_timeout are per connection; the DSN form reapplies
	// them if the pool ever reconnects.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	// One writer at a time; concurrent executors queue on the pool instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: apply pragma %q: %w", stmt, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, ordering: storage.CanonicalOrdering{}, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UseStepOrdering sets the step ordering strategy. Call once at startup.
func (s *Store) UseStepOrdering(o storage.StepOrdering) {
	if o != nil {
		s.ordering = o
	}
}

// DetectStepOrdering inspects mission_steps and returns the matching strategy.
func (s *Store) DetectStepOrdering(ctx context.Context) (storage.StepOrdering, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('mission_steps')`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: detect step ordering: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: scan column name: %w", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: detect step ordering: %w", err)
	}
	return storage.OrderingFromColumns(cols)
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close", "error", err)
	}
}
