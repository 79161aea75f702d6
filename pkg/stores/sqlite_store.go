package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/detectops/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultFile is the history database name inside the base directory.
const DefaultFile = "history.db"

// SQLiteStore records run history in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ engine.RunRecorder = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Open creates the parent directory of path, then opens and migrates the
// database.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the connection with WAL journaling and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One writer per process; the CLI never needs more.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the connection is usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRun stores a run and its rule operations in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *engine.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, command, scope, status, serial, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Command,
		run.Scope,
		string(run.Status),
		int64(run.Serial),
		run.StartedAt.UTC(),
		run.CompletedAt.UTC(),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rule_operations (run_id, plugin, service, path, action, error)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range run.Outcomes {
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		if _, err := stmt.ExecContext(ctx, run.ID, o.Plugin, o.Service, o.Path, string(o.Action), msg); err != nil {
			return fmt.Errorf("failed to record operation %s on %s: %w", o.Path, o.Service, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `
	r.id, r.command, r.scope, r.status, r.serial, r.started_at, r.completed_at, r.error,
	(SELECT COUNT(*) FROM rule_operations o WHERE o.run_id = r.id AND o.error = ''),
	(SELECT COUNT(*) FROM rule_operations o WHERE o.run_id = r.id AND o.error <> '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var status string
	var serial int64
	err := row.Scan(
		&run.ID,
		&run.Command,
		&run.Scope,
		&status,
		&serial,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Succeeded,
		&run.Failed,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	run.Serial = uint64(serial)
	return run, nil
}

// GetRun returns a run with its operations.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("run not found: %s", id), nil).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Operations, err = s.ListOperations(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs r
		ORDER BY r.started_at DESC, r.rowid DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListOperations returns the rule operations of a run in the order they
// were recorded.
func (s *SQLiteStore) ListOperations(ctx context.Context, runID string) ([]*RuleOperation, error) {
	return s.queryOperations(ctx, `
		SELECT id, run_id, plugin, service, path, action, error
		FROM rule_operations
		WHERE run_id = ?
		ORDER BY id`, runID)
}

// RuleHistory returns the latest operations on one rule of a service, most
// recent first.
func (s *SQLiteStore) RuleHistory(ctx context.Context, service, path string, limit int) ([]*RuleOperation, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryOperations(ctx, `
		SELECT id, run_id, plugin, service, path, action, error
		FROM rule_operations
		WHERE service = ? AND path = ?
		ORDER BY id DESC
		LIMIT ?`, service, path, limit)
}

func (s *SQLiteStore) queryOperations(ctx context.Context, query string, args ...any) ([]*RuleOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*RuleOperation
	for rows.Next() {
		op := &RuleOperation{}
		var action string
		if err := rows.Scan(&op.ID, &op.RunID, &op.Plugin, &op.Service, &op.Path, &action, &op.Error); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Action = engine.Action(action)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Prune deletes all but the keep most recent runs and returns how many were
// removed. Operations follow through the foreign key cascade.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}
