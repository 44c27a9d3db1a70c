package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// Dialect selects the bind-parameter style of the bookkeeping queries.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// migrationFile matches NNN_name.up.sql and NNN_name.down.sql.
var migrationFile = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// MigrationManager applies the SQL files of an embedded directory in version
// order, recording each applied version in schema_migrations.
type MigrationManager struct {
	db      *sql.DB
	files   fs.FS
	dir     string
	dialect Dialect
}

type migrationStep struct {
	version uint
	name    string
	up      string
	down    string
}

// NewMigrationManager creates a MigrationManager over dir within files and
// makes sure the bookkeeping table exists.
func NewMigrationManager(db *sql.DB, files fs.FS, dir string, dialect Dialect) (*MigrationManager, error) {
	if db == nil {
		return nil, errors.New("migrations: nil database")
	}
	if _, err := fs.Stat(files, dir); err != nil {
		return nil, fmt.Errorf("migrations: %s: %w", dir, err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("migrations: create schema_migrations: %w", err)
	}
	return &MigrationManager{db: db, files: files, dir: dir, dialect: dialect}, nil
}

func (mgr *MigrationManager) placeholder() string {
	if mgr.dialect == DialectPostgres {
		return "$1"
	}
	return "?"
}

// Up applies every migration newer than the current version, one
// transaction per file.
func (mgr *MigrationManager) Up(ctx context.Context) error {
	steps, current, err := mgr.plan(ctx)
	if err != nil {
		return err
	}
	record := "INSERT INTO schema_migrations (version) VALUES (" + mgr.placeholder() + ")"
	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if err := mgr.run(ctx, s.up, record, s.version); err != nil {
			return fmt.Errorf("migrations: apply %03d_%s: %w", s.version, s.name, err)
		}
	}
	return nil
}

// Down reverts every applied migration that has a down file, newest first.
func (mgr *MigrationManager) Down(ctx context.Context) error {
	steps, current, err := mgr.plan(ctx)
	if err != nil {
		return err
	}
	forget := "DELETE FROM schema_migrations WHERE version = " + mgr.placeholder()
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.version > current || s.down == "" {
			continue
		}
		if err := mgr.run(ctx, s.down, forget, s.version); err != nil {
			return fmt.Errorf("migrations: revert %03d_%s: %w", s.version, s.name, err)
		}
	}
	return nil
}

// Version returns the highest applied version, or ErrNoMigration.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var v uint
	if err := mgr.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("migrations: read version: %w", err)
	}
	if v == 0 {
		return 0, ErrNoMigration
	}
	return v, nil
}

// plan returns the known steps in ascending order with the current version.
func (mgr *MigrationManager) plan(ctx context.Context) ([]migrationStep, uint, error) {
	steps, err := mgr.steps()
	if err != nil {
		return nil, 0, err
	}
	current, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return nil, 0, err
	}
	return steps, current, nil
}

func (mgr *MigrationManager) run(ctx context.Context, file, bookkeeping string, version uint) error {
	body, err := fs.ReadFile(mgr.files, file)
	if err != nil {
		return err
	}
	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return err
	}
	return tx.Commit()
}

// steps lists the migrations in dir. Files that do not follow the naming
// scheme are ignored, as are versions without an up file.
func (mgr *MigrationManager) steps() ([]migrationStep, error) {
	entries, err := fs.ReadDir(mgr.files, mgr.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: list %s: %w", mgr.dir, err)
	}

	byVersion := make(map[uint]*migrationStep)
	for _, e := range entries {
		m := migrationFile.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		v := uint(n)
		s := byVersion[v]
		if s == nil {
			s = &migrationStep{version: v, name: m[2]}
			byVersion[v] = s
		}
		if m[3] == "up" {
			s.up = path.Join(mgr.dir, e.Name())
		} else {
			s.down = path.Join(mgr.dir, e.Name())
		}
	}

	out := make([]migrationStep, 0, len(byVersion))
	for _, s := range byVersion {
		if s.up != "" {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
