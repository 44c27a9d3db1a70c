// Package sqlite provides the SQLite implementation of the leadbroker
// storage interfaces. It is the default single-node backend.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/leadbroker/internal/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Ensure *Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dsn and migrates it.
// A crashed process can leave -wal/-shm files behind that make the open fail;
// when no live process holds them they are removed and the open retried once.
func NewStore(dsn string) (*Store, error) {
	store, err := openStore(dsn)
	if err == nil || !recoverStaleWAL(dsn, err) {
		return store, err
	}
	store, retryErr := openStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: reopen after WAL cleanup: %w (first attempt: %v)", retryErr, err)
	}
	log.Printf("sqlite: removed stale WAL files for %s", dsn)
	return store, nil
}

// openStore opens a SQLite database, configures WAL mode, and migrates the schema.
func openStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes, which also makes each statement-level
	// check-and-create atomic with respect to other callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	mgr, err := storage.NewMigrationManager(db, migrationFiles, "migrations", storage.DialectSQLite)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if err := mgr.Up(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// GetDB returns the underlying database handle.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close flushes the WAL into the main database file and releases resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}

	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullTimePtr maps nil to NULL.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

// nullableString maps the empty string to NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timePtr converts a scanned NullTime to *time.Time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// filePath returns the file behind dsn, or "" for in-memory databases.
func filePath(dsn string) string {
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		dsn = u.Path
		if dsn == "" {
			dsn = u.Opaque
		}
	}
	if dsn == ":memory:" {
		return ""
	}
	return dsn
}

// recoverStaleWAL removes the -wal/-shm companions of the database behind dsn
// when openErr looks like WAL corruption and lsof finds no process using
// them. It reports whether anything was removed.
func recoverStaleWAL(dsn string, openErr error) bool {
	msg := openErr.Error()
	if !strings.Contains(msg, "disk I/O error") && !strings.Contains(msg, "database is locked") {
		return false
	}
	db := filePath(dsn)
	if db == "" {
		return false
	}

	var present []string
	for _, f := range []string{db + "-wal", db + "-shm"} {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return false
	}

	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}
	// lsof exits non-zero when nothing has the files open.
	if out, err := exec.Command(lsof, append([]string{"-t", db}, present...)...).Output(); err == nil && strings.TrimSpace(string(out)) != "" {
		return false
	}

	removed := false
	for _, f := range present {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: warning: remove %s: %v", f, err)
			continue
		}
		removed = true
	}
	return removed
}
