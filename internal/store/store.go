package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ CandidateReader = (*Store)(nil)
	_ CandidateWriter = (*Store)(nil)
	_ RunStore        = (*Store)(nil)
)

// Store provides data access to the candidates and batch run tables.
type Store struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// New creates a new Store for a SQLite database and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	return NewWithDriver(db, DriverSQLite)
}

// NewWithDriver creates a Store for the given driver and initialises the schema.
func NewWithDriver(db *sql.DB, driver string) (*Store, error) {
	s := &Store{db: db, sb: sq.StatementBuilder.PlaceholderFormat(placeholders(driver))}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 3

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: candidates
		s.migrateV2, // v1 → v2: batch_runs
		s.migrateV3, // v2 → v3: curation attempt tracking
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		query, args, err := s.sb.Update("schema_version").Set("version", i+1).ToSql()
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(query, args...); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the candidates table (v0 → v1).
func (s *Store) migrateV1() error {
	return s.execAll(
		`CREATE TABLE IF NOT EXISTS candidates (
			id             TEXT PRIMARY KEY,
			source_url     TEXT NOT NULL,
			image_url      TEXT NOT NULL,
			platform       TEXT NOT NULL,
			external_id    TEXT NOT NULL DEFAULT '',
			title          TEXT NOT NULL DEFAULT '',
			tags           TEXT NOT NULL DEFAULT '[]',
			popularity     DOUBLE PRECISION,
			status         TEXT NOT NULL,
			safety_tier    TEXT NOT NULL DEFAULT '',
			age_rating     TEXT NOT NULL DEFAULT '',
			quality_score  DOUBLE PRECISION,
			gender         TEXT NOT NULL DEFAULT 'unknown',
			species        TEXT NOT NULL DEFAULT 'unknown',
			style          TEXT NOT NULL DEFAULT 'unknown',
			fingerprint    BIGINT,
			needs_review   BOOLEAN NOT NULL DEFAULT FALSE,
			reject_reason  TEXT NOT NULL DEFAULT '',
			entry_id       TEXT,
			failure_reason TEXT NOT NULL DEFAULT '',
			requeue_count  INTEGER NOT NULL DEFAULT 0,
			discovered_at  TEXT NOT NULL,
			curated_at     TEXT,
			consumed_at    TEXT,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_candidates_source_url ON candidates(source_url)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_candidates_entry ON candidates(entry_id)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_status_rating ON candidates(status, age_rating)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_status_consumed ON candidates(status, consumed_at)`,
	)
}

// migrateV2 creates the batch_runs table (v1 → v2).
func (s *Store) migrateV2() error {
	return s.execAll(
		`CREATE TABLE IF NOT EXISTS batch_runs (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			scheduled_at  TEXT NOT NULL,
			started_at    TEXT NOT NULL,
			completed_at  TEXT,
			requested     INTEGER NOT NULL,
			succeeded     INTEGER NOT NULL DEFAULT 0,
			failed        INTEGER NOT NULL DEFAULT 0,
			selected_ids  TEXT NOT NULL DEFAULT '[]',
			entry_ids     TEXT NOT NULL DEFAULT '[]',
			skipped_ids   TEXT NOT NULL DEFAULT '[]',
			errors        TEXT NOT NULL DEFAULT '[]',
			duration_ms   BIGINT NOT NULL DEFAULT 0,
			cost_estimate DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_runs_scheduled ON batch_runs(scheduled_at)`,
	)
}

// migrateV3 tracks failed curation attempts of PENDING candidates (v2 → v3).
func (s *Store) migrateV3() error {
	return s.execAll(
		`ALTER TABLE candidates ADD COLUMN curation_attempts INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE candidates ADD COLUMN last_attempt_at TEXT`,
		`ALTER TABLE candidates ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_status_attempt ON candidates(status, last_attempt_at)`,
	)
}

func (s *Store) execAll(stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// timeLayout is fixed width so lexical order of stored timestamps matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) queryRow(ctx context.Context, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.QueryRowContext(ctx, query, args...), nil
}
