// Package sqlstore implements the domain persistence contracts on top of a
// relational database reached through database/sql. Dialect-specific behaviour
// (placeholders, DDL, error classification, row locking) is supplied by the
// sqlite and postgres packages.
package sqlstore

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mousecolony/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures the differences between supported SQL engines.
type Dialect interface {
	// Name identifies the dialect in logs and errors.
	Name() string
	// Schema returns the DDL script creating the colony tables.
	Schema() string
	// Rebind rewrites '?' placeholders into the engine's native form.
	Rebind(query string) string
	// IsUniqueViolation reports whether err signals a unique/primary key conflict.
	IsUniqueViolation(err error) bool
	// LockSuffix is appended to single-row reads inside write transactions.
	LockSuffix() string
	// TimeValue converts a timestamp into a bindable argument.
	TimeValue(t time.Time) any
}

// Store persists colony records in relational tables.
type Store struct {
	db      *sql.DB
	dialect Dialect
	engine  *domain.RulesEngine
	nowFn   func() time.Time
}

// New applies the dialect schema and returns a store bound to db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine) (*Store, error) {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	if err := ApplySchema(ctx, db, dialect.Schema()); err != nil {
		return nil, fmt.Errorf("%s schema: %w", dialect.Name(), err)
	}
	return &Store{
		db:      db,
		dialect: dialect,
		engine:  engine,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ApplySchema executes each statement of a semicolon separated DDL script.
func ApplySchema(ctx context.Context, db execer, ddl string) error {
	for _, stmt := range SplitStatements(ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// SplitStatements splits a semicolon-terminated DDL script into executable statements.
// It drops blank lines and single-line comments that start with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}

	if tail := strings.TrimSpace(current.String()); tail != "" {
		stmts = append(stmts, tail)
	}

	return stmts
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// SetNowFunc overrides the clock used to stamp records.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction executes fn inside a database transaction. Rules are
// evaluated against the uncommitted state before COMMIT; any error or blocking
// violation rolls everything back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (res domain.Result, retErr error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && retErr == nil {
				retErr = fmt.Errorf("rollback: %w", rbErr)
			}
		}
	}()

	tx := &transaction{
		reader: reader{ctx: ctx, q: sqlTx, dialect: s.dialect, lock: s.dialect.LockSuffix()},
		tx:     sqlTx,
		now:    s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	if s.engine != nil {
		view := reader{ctx: ctx, q: sqlTx, dialect: s.dialect}
		evaluated, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		res = evaluated
		if evaluated.HasBlocking() {
			return evaluated, domain.RuleViolationError{Result: evaluated}
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return domain.Result{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return res, nil
}

// View executes fn against a consistent read snapshot.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(reader{ctx: ctx, q: sqlTx, dialect: s.dialect})
}
