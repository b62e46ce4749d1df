// Package sqlite provides the SQL-backed repository implementation. Despite
// the package name it also runs against PostgreSQL through the shared
// dialect helpers; SQLite is the default embedded store.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQL-backed storage for conversations, events,
// attachments, scenarios, and the runner registry.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initConversationSchema(); err != nil {
		return err
	}
	if err := r.initAttachmentSchema(); err != nil {
		return err
	}
	if err := r.initScenarioSchema(); err != nil {
		return err
	}
	if err := r.initRegistrySchema(); err != nil {
		return err
	}
	return r.ensureIndexes()
}

func (r *Repository) initConversationSchema() error {
	// Head bookkeeping lives on the conversation row so head() is a single
	// indexed read. last_closed_seq is per conversation and never shared.
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			meta_json TEXT NOT NULL DEFAULT '{}',
			last_seq INTEGER NOT NULL DEFAULT 0,
			last_turn INTEGER NOT NULL DEFAULT 0,
			open_turn INTEGER NOT NULL DEFAULT 0,
			open_turn_agent TEXT NOT NULL DEFAULT '',
			last_closed_seq INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return err
	}

	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			conversation INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			type TEXT NOT NULL,
			finality TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			payload_json TEXT NOT NULL,
			PRIMARY KEY (conversation, seq)
		)
	`)
	return err
}

func (r *Repository) initAttachmentSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content_type TEXT NOT NULL,
			content BLOB NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			doc_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

func (r *Repository) initScenarioSchema() error {
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS scenarios (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active_version INTEGER NOT NULL DEFAULT 1
		)
	`); err != nil {
		return err
	}

	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS scenario_versions (
			id TEXT PRIMARY KEY,
			scenario_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			config_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

func (r *Repository) initRegistrySchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS runner_registry (
			conversation_id INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, agent_id)
		)
	`)
	return err
}

func (r *Repository) ensureIndexes() error {
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_conversation_turn ON events(conversation, turn)`); err != nil {
		return err
	}
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at)`); err != nil {
		return err
	}
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_scenario_versions_scenario ON scenario_versions(scenario_id, version_number)`); err != nil {
		return err
	}
	return nil
}
