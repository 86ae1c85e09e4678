// Package store is the durable, append-only ledger behind the lifecycle
// engine and the forensic readers.
//
// It speaks plain database/sql against Postgres (lib/pq) for deployments and
// SQLite (modernc.org/sqlite) for embedded and air-gapped verification runs.
// Both dialects share one query surface; only the DDL and row locking
// differ. Migration apply is opt-in: the schema is never touched unless the
// operator asks for it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/procguard-labs/procguard/pkg/domain"
)

// Dialect selects DDL and locking behavior.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store owns the database handle. All engine writes go through Begin; reads
// for forensics may use the handle directly.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open wraps an existing handle. driverName must be "postgres" or "sqlite".
func Open(db *sql.DB, driverName string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch driverName {
	case "postgres":
		return &Store{db: db, dialect: DialectPostgres, logger: logger}, nil
	case "sqlite":
		return &Store{db: db, dialect: DialectSQLite, logger: logger}, nil
	}
	return nil, fmt.Errorf("store: unsupported driver %q", driverName)
}

// Dialect returns the active dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the underlying handle for read-only collaborators.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the ledger schema, including the immutability triggers.
// It is only called when migration apply was explicitly requested.
func (s *Store) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.dialect == DialectSQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migration failed: %w", err)
	}
	s.logger.Info("ledger schema applied", "dialect", string(s.dialect))
	return nil
}

// Ping verifies connectivity; failures map to LEDGER_UNAVAILABLE.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.WrapError(domain.CodeLedgerUnavailable, err, "ledger unreachable")
	}
	return nil
}

// Begin opens the transaction the engine's atomic commit protocol runs in.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapOperational(ctx, err)
	}
	return &Tx{tx: tx, dialect: s.dialect}, nil
}

// Tx is one ledger transaction. The engine owns commit/rollback; every
// repository capability below runs inside it.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Commit finalizes the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return domain.WrapError(domain.CodeLedgerUnavailable, err, "commit failed")
	}
	return nil
}

// Rollback discards the transaction. Safe after commit (no-op error ignored
// by callers via defer).
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// IsUniqueViolation reports whether err is a unique-constraint failure from
// either backend. The engine uses this to convert the approve_step race into
// DUPLICATE_APPROVAL.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE as a plain error
	// string; matching it keeps this package free of a second driver import.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// appendOrder is the durable insertion-order expression for chained tables.
// Timestamps alone cannot break ties: two appends in the same microsecond
// would replay in random UUID order and falsely break the chain. Postgres
// orders by the identity column; SQLite's implicit rowid is monotonic on
// append-only tables.
func appendOrder(d Dialect) string {
	if d == DialectPostgres {
		return "seq"
	}
	return "rowid"
}

// mapOperational converts driver-level failures into the operational error
// taxonomy. Context expiry becomes TIMEOUT, anything else LEDGER_UNAVAILABLE.
func mapOperational(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.CodeTimeout, err, "ledger call timed out")
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return domain.WrapError(domain.CodeTimeout, err, "ledger call canceled")
	}
	return domain.WrapError(domain.CodeLedgerUnavailable, err, "ledger call failed")
}
