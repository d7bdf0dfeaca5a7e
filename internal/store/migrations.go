package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migration adds a column missing from databases created by older
// releases. CREATE TABLE IF NOT EXISTS does not add columns to tables
// that already exist.
type migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all schema migrations to apply.
var pendingMigrations = []migration{
	// Pending-question queue added after the first release.
	{"subscribers", "pending_questions", "TEXT NOT NULL DEFAULT '[]'"},
	// Human-review flag on stored messages.
	{"messages", "processed", "INTEGER NOT NULL DEFAULT 0"},
	// Approval bookkeeping on the nudge queue.
	{"pending_nudges", "approved_at", "TEXT"},
	{"pending_nudges", "sent_at", "TEXT"},
}

func (s *Store) runMigrations() error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(s.db, m.Table) {
			continue
		}
		if columnExists(s.db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}
	if applied > 0 {
		s.log.Info("schema migrations applied", zap.Int("count", applied))
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
