// Package store implements the transactional, schema-migrated embedded
// persistence layer shared by every core component. A single modernc.org/sqlite
// database is opened with exactly one writer connection; readers share it
// through SQLite's own MVCC under WAL.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/fleetops/migrationd/internal/coreerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the single database connection and every CRUD/query method
// used by the core components. All mutating methods serialize through the
// sole writer connection; SetMaxOpenConns(1) makes the database/sql pool
// itself the lock.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path, applies every
// pending migration transactionally, and returns a ready Store. A failed
// migration leaves the database at its prior version — goose wraps each
// migration in its own transaction.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "STORE_OPEN_FAILED", "opening database", err)
	}

	// Sole-writer pattern: one connection total avoids SQLITE_BUSY under WAL
	// without needing an external mutex around every write.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}

	if err := s.migrate(ctx); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return coreerr.Wrap(coreerr.KindFatal, "STORE_DIALECT_FAILED", "setting goose dialect", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return coreerr.Wrap(coreerr.KindFatal, "STORE_MIGRATION_FAILED", "applying schema migrations", err)
	}

	version, err := goose.GetDBVersion(s.db)
	if err != nil {
		return coreerr.Wrap(coreerr.KindFatal, "STORE_VERSION_FAILED", "reading schema version", err)
	}

	s.logger.Info("store migrated", slog.Int64("schema_version", version))

	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite uniqueness-constraint
// error, translated by callers into a coreerr.KindConflict.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint violations in the error text
	// rather than a typed error value.
	msg := err.Error()

	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
