// Package store is the durable subscriber store on SQLite: profiles,
// open-loop state, message history, corpus documents, and the pending
// nudge queue. Per-subscriber read-modify-write sequences are the unit
// of isolation; see Lock.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Defaults are applied to newly created subscribers.
type Defaults struct {
	Timezone   string
	QuietStart int
	QuietEnd   int
}

// Store wraps the SQLite database.
type Store struct {
	db       *sql.DB
	dbPath   string
	defaults Defaults
	log      *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Now is injectable for deterministic tests.
	Now func() time.Time
}

// Open creates or opens the store at the given path.
func Open(path string, defaults Defaults, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:       db,
		dbPath:   path,
		defaults: defaults,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
		Now:      time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("subscriber store opened", zap.String("path", path))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Lock acquires the per-subscriber mutex and returns its release
// function. Callers wrap read-modify-write sequences (tracker
// reconciliation, dispatch bookkeeping) so concurrent updates for the
// same subscriber never interleave partially. Different subscribers do
// not contend.
func (s *Store) Lock(phone string) func() {
	s.mu.Lock()
	m, ok := s.locks[phone]
	if !ok {
		m = &sync.Mutex{}
		s.locks[phone] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscribers (
		phone TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		quiet_hours_start INTEGER NOT NULL DEFAULT 22,
		quiet_hours_end INTEGER NOT NULL DEFAULT 9,
		onboarding_step INTEGER NOT NULL DEFAULT 0,
		last_interaction_at TEXT,
		last_message_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		open_loops TEXT NOT NULL DEFAULT '{}',
		pending_questions TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT NOT NULL,
		direction TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_phone_time ON messages(phone, created_at DESC);

	CREATE TABLE IF NOT EXISTS corpus (
		phone TEXT PRIMARY KEY,
		markdown TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_nudges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT NOT NULL,
		topic TEXT NOT NULL,
		weight INTEGER NOT NULL,
		body TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		approved_at TEXT,
		sent_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_nudges_phone_status ON pending_nudges(phone, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is how timestamps are stored; always UTC.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows used second precision.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
