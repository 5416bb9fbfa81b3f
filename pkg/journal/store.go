package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type dialect struct {
	schema      string
	placeholder func(n int) string
}

var dialects = map[string]dialect{
	DriverPostgres: {
		schema: `
	CREATE TABLE IF NOT EXISTS plugin_journal (
		seq BIGSERIAL PRIMARY KEY,
		id VARCHAR(36) NOT NULL UNIQUE,
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		plugin VARCHAR(255) NOT NULL DEFAULT '',
		version VARCHAR(64) NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_plugin_journal_plugin ON plugin_journal(plugin);
	CREATE INDEX IF NOT EXISTS idx_plugin_journal_occurred_at ON plugin_journal(occurred_at DESC);
	`,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	},
	DriverSQLite: {
		schema: `
	CREATE TABLE IF NOT EXISTS plugin_journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id VARCHAR(36) NOT NULL UNIQUE,
		occurred_at TIMESTAMP NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		plugin VARCHAR(255) NOT NULL DEFAULT '',
		version VARCHAR(64) NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_plugin_journal_plugin ON plugin_journal(plugin);
	`,
		placeholder: func(n int) string { return "?" },
	},
}

// SQLStore keeps the journal in PostgreSQL or SQLite
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the journal database and ensures its table exists
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("unsupported journal driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if driver == DriverSQLite {
		// an in-memory database exists per connection
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}

	store, err := NewSQLStore(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and ensures the journal table exists
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported journal driver: %s", driver)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure plugin_journal table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) ensureTable() error {
	_, err := s.db.Exec(s.dialect.schema)
	return err
}

// DB returns the underlying database handle
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Append inserts events in one transaction
func (s *SQLStore) Append(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer tx.Rollback()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO plugin_journal (id, occurred_at, event_type, plugin, version, location, message)
		VALUES (%s, %s, %s, %s, %s, %s, %s)
	`, p(1), p(2), p(3), p(4), p(5), p(6), p(7))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UTC(), string(e.Type), e.Plugin, e.Version, e.Location, e.Message,
		); err != nil {
			return fmt.Errorf("failed to insert journal event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit journal events: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	query := fmt.Sprintf(`
		SELECT id, occurred_at, event_type, plugin, version, location, message
		FROM plugin_journal
		ORDER BY seq DESC
		LIMIT %s
	`, s.dialect.placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var e Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.Timestamp, &eventType, &e.Plugin, &e.Version, &e.Location, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan journal event: %w", err)
		}
		e.Type = EventType(eventType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return events, nil
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
