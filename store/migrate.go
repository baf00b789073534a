package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// latestSchemaVersion is stamped into PRAGMA user_version once the schema
// is current.
const latestSchemaVersion = 1

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			did TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			is_self INTEGER NOT NULL DEFAULT 0,
			identities TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'dm',
			participants TEXT NOT NULL DEFAULT '[]',
			platform TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			author_did TEXT NOT NULL DEFAULT '',
			author_name TEXT NOT NULL DEFAULT '',
			author_handle TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			imported_at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			content TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			reply_to TEXT NOT NULL DEFAULT '',
			mentions TEXT NOT NULL DEFAULT '[]',
			platform TEXT NOT NULL DEFAULT '',
			platform_id TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content,
			content='messages',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			mention_count INTEGER NOT NULL DEFAULT 0,
			confidence_avg REAL NOT NULL DEFAULT 0,
			UNIQUE(type, normalized_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type, mention_count)`,
		`CREATE TABLE IF NOT EXISTS entity_mentions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL REFERENCES entities(id),
			message_id TEXT NOT NULL REFERENCES messages(id),
			text TEXT NOT NULL,
			confidence REAL NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			extracted_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_entity ON entity_mentions(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_message ON entity_mentions(message_id)`,
		`CREATE TABLE IF NOT EXISTS extraction_progress (
			message_id TEXT PRIMARY KEY REFERENCES messages(id),
			extracted_at INTEGER NOT NULL,
			extractor TEXT NOT NULL DEFAULT '',
			entity_count INTEGER NOT NULL DEFAULT 0,
			processing_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_extracted ON extraction_progress(extracted_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// requiredMessageColumns must exist in any database this build opens.
var requiredMessageColumns = []string{
	"id", "account_id", "author_did", "author_name", "author_handle",
	"created_at", "imported_at", "kind", "content", "thread_id", "platform",
}

// migrationColumns were added after the first release; older databases
// gain them here.
var migrationColumns = []struct {
	name string
	ddl  string
}{
	{"reply_to", `ALTER TABLE messages ADD COLUMN reply_to TEXT NOT NULL DEFAULT ''`},
	{"mentions", `ALTER TABLE messages ADD COLUMN mentions TEXT NOT NULL DEFAULT '[]'`},
	{"platform_id", `ALTER TABLE messages ADD COLUMN platform_id TEXT NOT NULL DEFAULT ''`},
	{"tags", `ALTER TABLE messages ADD COLUMN tags TEXT NOT NULL DEFAULT '[]'`},
}

// migrateSchema upgrades databases written by earlier builds and
// validates the result. It is idempotent.
func (s *Store) migrateSchema() error {
	version, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if version > latestSchemaVersion {
		return fmt.Errorf("migrate schema: database version %d is newer than this build supports (%d)", version, latestSchemaVersion)
	}

	columns, err := s.tableColumns("messages")
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	if version < latestSchemaVersion {
		for _, mc := range migrationColumns {
			if columns[mc.name] {
				continue
			}
			if _, err := s.db.Exec(mc.ddl); err != nil {
				return fmt.Errorf("migrate schema: add column %s: %w", mc.name, err)
			}
			columns[mc.name] = true
		}
	}

	var missing []string
	for _, name := range requiredMessageColumns {
		if !columns[name] {
			missing = append(missing, name)
		}
	}
	for _, mc := range migrationColumns {
		if !columns[mc.name] {
			missing = append(missing, mc.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("migrate schema: messages table missing required columns: %s", strings.Join(missing, ", "))
	}

	if version != latestSchemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", latestSchemaVersion)); err != nil {
			return fmt.Errorf("migrate schema: stamp version: %w", err)
		}
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	row := s.db.QueryRow(`PRAGMA user_version`)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			pos     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&pos, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info: %w", err)
	}
	return columns, nil
}
