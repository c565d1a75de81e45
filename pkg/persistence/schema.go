package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver "pgx"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver "sqlite"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 3

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

func init() { //nolint:gochecknoinits // sqlx does not know the modernc driver name
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to the database and brings the schema to CurrentSchemaVersion.
// For sqlite a bare path is expanded into a DSN with foreign keys, WAL and a busy timeout.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") {
		return dsn
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", dsn)
}

// Migrate applies any pending migrations. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	current, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, CurrentSchemaVersion)
	}
	for version := current + 1; version <= CurrentSchemaVersion; version++ {
		if err := runMigration(ctx, db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(ctx, db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(ctx context.Context, db *sqlx.DB, version int) error {
	var statements []string
	switch version {
	case 1:
		statements = migrationV1
	case 2:
		statements = migrationV2
	case 3:
		statements = migrationV3
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return tx.Commit()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}

// migrationV1 creates the issue/job tables.
var migrationV1 = []string{ //nolint:gochecknoglobals
	`CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '{}',
		external_id TEXT NOT NULL DEFAULT '',
		callback_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_org ON issues(org_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL REFERENCES issues(id),
		org_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		model_tier TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		CHECK (attempts <= max_attempts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_issue ON jobs(org_id, issue_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active ON jobs(issue_id) WHERE status IN ('pending', 'running', 'paused')`,
	`CREATE TABLE IF NOT EXISTS job_logs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		patch TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, created_at)`,
}

// migrationV2 adds the feedback pipeline.
var migrationV2 = []string{ //nolint:gochecknoglobals
	`CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		issue_id TEXT NOT NULL REFERENCES issues(id),
		agent_type TEXT NOT NULL,
		rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
		outcome TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		comment TEXT NOT NULL DEFAULT '',
		improvement_status TEXT NOT NULL,
		card_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feedback_pending ON feedback(org_id, improvement_status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_feedback_agent ON feedback(org_id, agent_type, created_at)`,
	`CREATE TABLE IF NOT EXISTS improvement_cards (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		feedback_ids TEXT NOT NULL DEFAULT '[]',
		agent_type TEXT NOT NULL,
		labels TEXT NOT NULL DEFAULT '[]',
		checklist TEXT NOT NULL DEFAULT '[]',
		impact_score INTEGER NOT NULL DEFAULT 0,
		effort_score INTEGER NOT NULL DEFAULT 0,
		column_name TEXT NOT NULL,
		auto_apply BOOLEAN NOT NULL DEFAULT FALSE,
		improvement TEXT NOT NULL DEFAULT '{}',
		baseline DOUBLE PRECISION NOT NULL DEFAULT 0,
		applied_at TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cards_column ON improvement_cards(org_id, column_name, created_at)`,
	`CREATE TABLE IF NOT EXISTS card_feedback (
		feedback_id TEXT PRIMARY KEY,
		card_id TEXT NOT NULL REFERENCES improvement_cards(id),
		org_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_overrides (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		card_id TEXT NOT NULL DEFAULT '',
		prompt_append TEXT NOT NULL DEFAULT '',
		model_tier TEXT NOT NULL DEFAULT '',
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_overrides_agent ON agent_overrides(org_id, agent_type, created_at)`,
}

// migrationV3 adds the durable dispatch queue used when queue.kind is "store".
var migrationV3 = []string{ //nolint:gochecknoglobals
	`CREATE TABLE IF NOT EXISTS dispatch_queue (
		job_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		priority INTEGER NOT NULL,
		enqueued_at TIMESTAMP NOT NULL,
		visible_at TIMESTAMP NOT NULL,
		claimed_by TEXT NOT NULL DEFAULT '',
		deliveries INTEGER NOT NULL DEFAULT 0,
		dead BOOLEAN NOT NULL DEFAULT FALSE,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatch_ready ON dispatch_queue(dead, visible_at, priority, enqueued_at)`,
}

func setSchemaVersion(ctx context.Context, db *sqlx.DB, version int) error {
	_, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
		version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version, creating the version table if needed.
func GetSchemaVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.GetContext(ctx, &version, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
