package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed device database: entity records plus the durable
// mutation queue. In-flight claims are process-local leases held in memory, so
// a crash or restart always recovers unfinished queue items as pending.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	leases  map[string]string // lease key -> queue item id
	leaseBy map[string]string // queue item id -> lease key
}

// Open opens (or creates) the database at dbPath.
// It initializes WAL mode, applies pragmas, and runs migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		db:      db,
		leases:  make(map[string]string),
		leaseBy: make(map[string]string),
	}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// Transactions are short-lived and must never span a network call.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to destPath using
// VACUUM INTO. The destination must not already exist.
func (s *Store) Snapshot(ctx context.Context, destPath string) error {
	if dir := filepath.Dir(destPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

// --- in-flight lease table ---

// leased reports whether the lease key is currently held.
func (s *Store) leased(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.leases[key]
	return held
}

// acquire takes the lease for itemID. Returns false if the key is held.
func (s *Store) acquire(key, itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leases[key]; held {
		return false
	}
	s.leases[key] = itemID
	s.leaseBy[itemID] = key
	return true
}

// release drops the lease held by itemID, if any.
func (s *Store) release(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, held := s.leaseBy[itemID]
	if !held {
		return
	}
	delete(s.leaseBy, itemID)
	delete(s.leases, key)
}

// Release returns a claimed item to pending without recording an attempt.
// Used when a run pauses (auth failure, shutdown) mid-batch; the database row
// was never touched by the claim, so dropping the lease is sufficient.
func (s *Store) Release(itemID string) {
	s.release(itemID)
}

// InFlightCount returns the number of currently leased queue items.
func (s *Store) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}
