package persist

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/state"
)

const schemaVersion = 1

// SQLiteStore keeps mapping data in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_mapping_store").Logger(),
	}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS buddy_groups (
        group_id INTEGER PRIMARY KEY,
        primary_target INTEGER NOT NULL UNIQUE,
        secondary_target INTEGER NOT NULL UNIQUE,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS target_states (
        target_id INTEGER PRIMARY KEY,
        consistency TEXT NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `
	if _, err := s.db.Exec(schema, schemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadGroups implements buddygroup.Persister.
func (s *SQLiteStore) LoadGroups() ([]buddygroup.Group, error) {
	rows, err := s.db.Query(`
        SELECT group_id, primary_target, secondary_target
        FROM buddy_groups
        ORDER BY group_id
    `)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []buddygroup.Group
	for rows.Next() {
		var g buddygroup.Group
		if err := rows.Scan(&g.ID, &g.Primary, &g.Secondary); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// SaveGroups implements buddygroup.Persister. The table is replaced as a
// whole inside one transaction.
func (s *SQLiteStore) SaveGroups(groups []buddygroup.Group) error {
	s.logger.Debug().Int("groups", len(groups)).Msg("Saving buddy groups")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM buddy_groups"); err != nil {
		return fmt.Errorf("delete old groups: %w", err)
	}

	stmt, err := tx.Prepare(`
        INSERT INTO buddy_groups (group_id, primary_target, secondary_target)
        VALUES (?, ?, ?)
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, g := range groups {
		if _, err := stmt.Exec(g.ID, g.Primary, g.Secondary); err != nil {
			return fmt.Errorf("insert group %d: %w", g.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadConsistency returns the persisted consistency of every target.
func (s *SQLiteStore) LoadConsistency() (map[state.TargetID]state.Consistency, error) {
	rows, err := s.db.Query("SELECT target_id, consistency FROM target_states")
	if err != nil {
		return nil, fmt.Errorf("query target states: %w", err)
	}
	defer rows.Close()

	out := make(map[state.TargetID]state.Consistency)
	for rows.Next() {
		var (
			id  state.TargetID
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan target state row: %w", err)
		}
		c, err := state.ParseConsistency(raw)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", id, err)
		}
		out[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate target states: %w", err)
	}
	return out, nil
}

// SaveConsistency upserts the given states. Targets absent from states are
// removed.
func (s *SQLiteStore) SaveConsistency(states map[state.TargetID]state.Consistency) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM target_states"); err != nil {
		return fmt.Errorf("delete old target states: %w", err)
	}
	stmt, err := tx.Prepare(`
        INSERT INTO target_states (target_id, consistency, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for id, c := range states {
		if _, err := stmt.Exec(id, c.String()); err != nil {
			return fmt.Errorf("insert target %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
