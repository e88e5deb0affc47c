package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/verge-sh/verge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists run history in SQLite. It implements
// engine.RunRecorder and engine.StagingLedger.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

// Migrate runs database migrations from the embedded SQL files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRunStart inserts a running run record.
func (s *SQLiteStore) RecordRunStart(ctx context.Context, runID, manifestPath string, startedAt time.Time) error {
	query := `
		INSERT INTO runs (id, manifest_path, status, changes, started_at, created_at, updated_at)
		VALUES (?, ?, 'running', 0, ?, ?, ?)
	`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query, runID, manifestPath, startedAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordRunFinish stamps a run's terminal status.
func (s *SQLiteStore) RecordRunFinish(ctx context.Context, runID string, status engine.RunStatus, snapshotID, errMsg string, changed int, finishedAt time.Time) error {
	query := `
		UPDATE runs
		SET status = ?, snapshot_id = ?, error = ?, changes = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, string(status), snapshotID, errMsg, changed, finishedAt, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, manifest_path, status, snapshot_id, changes, error, started_at, finished_at, created_at, updated_at
		FROM runs
		WHERE id = ?
	`
	run := &Run{}
	var snapshotID, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.ManifestPath,
		&run.Status,
		&snapshotID,
		&run.Changes,
		&errMsg,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.SnapshotID = snapshotID.String
	run.Error = errMsg.String
	return run, nil
}

// ListRuns lists runs newest first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, manifest_path, status, snapshot_id, changes, error, started_at, finished_at, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		var snapshotID, errMsg sql.NullString
		if err := rows.Scan(
			&run.ID,
			&run.ManifestPath,
			&run.Status,
			&snapshotID,
			&run.Changes,
			&errMsg,
			&run.StartedAt,
			&run.FinishedAt,
			&run.CreatedAt,
			&run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.SnapshotID = snapshotID.String
		run.Error = errMsg.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// RecordSnapshot indexes a created snapshot.
func (s *SQLiteStore) RecordSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	query := `
		INSERT INTO snapshots (id, run_id, reason, components, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, snap.ID, snap.RunID, snap.Reason, len(snap.Components), snap.SizeBytes, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	return nil
}

// ListSnapshots lists indexed snapshots newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]*SnapshotRecord, error) {
	query := `
		SELECT id, run_id, reason, components, size_bytes, created_at
		FROM snapshots
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	records := []*SnapshotRecord{}
	for rows.Next() {
		rec := &SnapshotRecord{}
		var runID sql.NullString
		if err := rows.Scan(&rec.ID, &runID, &rec.Reason, &rec.Components, &rec.SizeBytes, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		rec.RunID = runID.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return records, nil
}

// DeleteSnapshotRecord drops a pruned snapshot from the index.
func (s *SQLiteStore) DeleteSnapshotRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete snapshot record: %w", err)
	}
	return nil
}

// MarkStagingConsumed records the staging entries a committed run used.
func (s *SQLiteStore) MarkStagingConsumed(ctx context.Context, runID string, sources []string) error {
	if len(sources) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO staging_consumption (run_id, source, consumed_at) VALUES (?, ?, ?)`
	now := time.Now().UTC()
	for _, src := range sources {
		if _, err := tx.ExecContext(ctx, query, runID, src, now); err != nil {
			return fmt.Errorf("failed to record staging consumption: %w", err)
		}
	}
	return tx.Commit()
}

// ConsumedStaging returns the staging sources consumed by commits and not
// yet purged.
func (s *SQLiteStore) ConsumedStaging(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source FROM staging_consumption WHERE purged_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging ledger: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("failed to scan staging entry: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staging ledger: %w", err)
	}
	return sources, nil
}

// ForgetStaging marks staging sources as purged.
func (s *SQLiteStore) ForgetStaging(ctx context.Context, sources []string) error {
	if len(sources) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, src := range sources {
		if _, err := tx.ExecContext(ctx, `UPDATE staging_consumption SET purged_at = ? WHERE source = ? AND purged_at IS NULL`, now, src); err != nil {
			return fmt.Errorf("failed to mark staging purged: %w", err)
		}
	}
	return tx.Commit()
}

var (
	_ engine.RunRecorder      = (*SQLiteStore)(nil)
	_ engine.StagingLedger    = (*SQLiteStore)(nil)
	_ engine.MaintenanceStore = (*SQLiteStore)(nil)
)
