// Package state provides the kernel's durable state store: a single SQLite
// database holding the process journal, agent logs, file metadata, metrics,
// plugin and MCP registrations, schedules, and the auth tables.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aether-os/aether/internal/common/logger"
)

const defaultBusyTimeout = 5 * time.Second

// Store owns the SQLite handle. A single writer connection serializes writes;
// WAL mode keeps readers unblocked.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the state database at dbPath and applies
// the schema.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	normalized, err := filepath.Abs(dbPath)
	if err != nil {
		normalized = dbPath
	}
	if dir := filepath.Dir(normalized); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	// WAL + NORMAL synchronous: safe against abrupt exits, no torn rows.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: log.WithComponent("state_store")}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenInMemory opens an ephemeral store. Used by tests.
func OpenInMemory(log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &Store{db: db, logger: log.WithComponent("state_store")}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for callers that need raw access.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Shutdown checkpoints the WAL and closes the database. No write accepted
// before Shutdown is lost.
func (s *Store) Shutdown() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.WithError(err).Warn("WAL checkpoint failed on shutdown")
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processes (
		pid INTEGER PRIMARY KEY,
		ppid INTEGER NOT NULL DEFAULT 0,
		uid TEXT NOT NULL,
		owner_uid TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		goal TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		agent_phase TEXT NOT NULL DEFAULT 'booting',
		cwd TEXT NOT NULL DEFAULT '',
		env TEXT NOT NULL DEFAULT '{}',
		sandbox TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		tty_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		exited_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		step INTEGER NOT NULL,
		phase TEXT NOT NULL,
		tool TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_logs_pid_step ON agent_logs(pid, step);

	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		owner_uid TEXT NOT NULL,
		type TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		hidden INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		modified_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_uid);

	CREATE TABLE IF NOT EXISTS kernel_metrics (
		timestamp TIMESTAMP NOT NULL,
		process_count INTEGER NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_mb REAL NOT NULL,
		container_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plugins (
		id TEXT PRIMARY KEY,
		owner_uid TEXT NOT NULL,
		manifest TEXT NOT NULL,
		install_source TEXT NOT NULL DEFAULT 'local',
		enabled INTEGER NOT NULL DEFAULT 1,
		installed_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mcp_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		transport TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '[]',
		env TEXT NOT NULL DEFAULT '{}',
		url TEXT NOT NULL DEFAULT '',
		auto_connect INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		tool_cache TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS openclaw_imports (
		skill_id TEXT PRIMARY KEY,
		skill TEXT NOT NULL,
		dependencies_met INTEGER NOT NULL DEFAULT 0,
		source_path TEXT NOT NULL DEFAULT '',
		imported_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS integrations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		credentials TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'registered',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS integration_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		integration_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_integration_logs_id ON integration_logs(integration_id);

	CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		agent_config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		owner_uid TEXT NOT NULL,
		last_run TIMESTAMP,
		next_run TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_triggers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_filter TEXT NOT NULL DEFAULT '{}',
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		agent_config TEXT NOT NULL DEFAULT '{}',
		owner_uid TEXT NOT NULL,
		last_fired_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_memory (
		id TEXT PRIMARY KEY,
		agent_uid TEXT NOT NULL,
		layer TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		importance REAL NOT NULL DEFAULT 0.5,
		source_pid INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_memory_uid ON agent_memory(agent_uid, layer);

	CREATE TABLE IF NOT EXISTS ipc_messages (
		id TEXT PRIMARY KEY,
		from_pid INTEGER NOT NULL,
		to_pid INTEGER NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id);

	CREATE TABLE IF NOT EXISTS orgs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		owner_uid TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS org_members (
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE (org_id, name)
	);

	CREATE TABLE IF NOT EXISTS team_members (
		team_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (team_id, user_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
