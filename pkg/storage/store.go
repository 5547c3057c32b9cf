package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists hardware snapshots and the fault log in SQLite
type Store struct {
	db        *sql.DB
	dbPath    string
	maxFaults int
}

// NewStore opens (creating if needed) the database at dbPath. The fault log
// keeps at most maxFaults records; zero or less keeps everything.
func NewStore(dbPath string, maxFaults int) (*Store, error) {
	store := &Store{
		dbPath:    dbPath,
		maxFaults: maxFaults,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return store, nil
}

func (s *Store) initialize() error {
	if s.dbPath == "" {
		s.dbPath = "./nexrigd.db"
	}

	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := s.dbPath + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps WAL contention out of the fault recorder
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := s.createIndexes(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Printf("Store initialized: %s (max %d faults)", s.dbPath, s.maxFaults)
	return nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		name TEXT PRIMARY KEY,
		band TEXT NOT NULL,
		frequency INTEGER NOT NULL,
		antenna INTEGER NOT NULL CHECK (antenna BETWEEN 1 AND 4),
		mode TEXT NOT NULL DEFAULT 'standby',
		target_power REAL NOT NULL DEFAULT 0.0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS faults (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		measured_value REAL NOT NULL,
		limit_value REAL NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fault_stats (
		id INTEGER PRIMARY KEY,
		total_faults INTEGER NOT NULL DEFAULT 0,
		total_emergencies INTEGER NOT NULL DEFAULT 0,
		last_cleanup DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO fault_stats (id, total_faults, total_emergencies)
	VALUES (1, 0, 0);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_faults_timestamp ON faults(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_faults_kind ON faults(kind)",
		"CREATE INDEX IF NOT EXISTS idx_faults_severity ON faults(severity)",
		"CREATE INDEX IF NOT EXISTS idx_snapshots_updated_at ON snapshots(updated_at DESC)",
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
