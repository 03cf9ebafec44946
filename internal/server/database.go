package server

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kreteshq/huncwot/internal/errors"
)

// DatabaseStatus describes the development database.
type DatabaseStatus struct {
	Path       string `json:"path"`
	Version    uint   `json:"version"`
	Dirty      bool   `json:"dirty"`
	Migrations string `json:"migrations,omitempty"`
}

// Database is the SQLite development database. It opens lazily on the first
// start that enables it, stays open across restarts, and mounts /__db.
type Database struct {
	path       string
	migrations string
	logger     *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewDatabase creates a database backed by the file at path. Migrations in
// the migrations directory are applied on open when it exists.
func NewDatabase(path, migrations string, logger *slog.Logger) *Database {
	if logger == nil {
		logger = slog.Default()
	}
	return &Database{
		path:       path,
		migrations: migrations,
		logger:     logger.With("component", "database"),
	}
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
}

// Name implements RouteProvider.
func (d *Database) Name() string { return "database" }

// Routes opens the database and returns the status route.
func (d *Database) Routes(ctx context.Context) ([]RouteBinding, error) {
	if err := d.Open(ctx); err != nil {
		return nil, err
	}
	return []RouteBinding{{
		Method:  http.MethodGet,
		Path:    "/__db",
		Handler: http.HandlerFunc(d.serveStatus),
		Summary: "database migration status",
	}}, nil
}

// Open opens the database file and applies pending migrations. Calling Open
// on an open database is a no-op.
func (d *Database) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return errors.New(errors.CodeDatabase).Wrap(err)
	}
	if err := d.migrate(); err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", dsn(d.path))
	if err != nil {
		return errors.New(errors.CodeDatabase).Wrap(err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.New(errors.CodeDatabase).WithDetailf("Cannot open %s", d.path).Wrap(err)
	}
	d.db = db
	d.logger.Info("database ready", "path", d.path)
	return nil
}

func (d *Database) migrate() error {
	if d.migrations == "" {
		return nil
	}
	if info, err := os.Stat(d.migrations); err != nil || !info.IsDir() {
		d.logger.Debug("no migrations directory", "path", d.migrations)
		return nil
	}

	// The migrate instance closes its connection, so it gets its own.
	conn, err := sql.Open("sqlite3", dsn(d.path))
	if err != nil {
		return errors.New(errors.CodeDatabase).Wrap(err)
	}
	driver, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		conn.Close()
		return errors.New(errors.CodeDatabase).Wrap(err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(d.migrations), "sqlite3", driver)
	if err != nil {
		conn.Close()
		return errors.New(errors.CodeDatabase).Wrap(err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.New(errors.CodeDatabase).
			WithDetailf("Migrations in %s failed", d.migrations).
			Wrap(err)
	}
	return nil
}

// DB returns the open handle, or nil before Open.
func (d *Database) DB() *sql.DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db
}

// Status reports the applied migration version.
func (d *Database) Status(ctx context.Context) (DatabaseStatus, error) {
	status := DatabaseStatus{Path: d.path, Migrations: d.migrations}
	db := d.DB()
	if db == nil {
		return status, errors.New(errors.CodeDatabase).WithDetail("Database is not open")
	}

	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&exists)
	if err != nil {
		return status, errors.New(errors.CodeDatabase).Wrap(err)
	}
	if exists == 0 {
		return status, nil
	}

	var version int64
	err = db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &status.Dirty)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return status, errors.New(errors.CodeDatabase).Wrap(err)
	}
	if version > 0 {
		status.Version = uint(version)
	}
	return status, nil
}

func (d *Database) serveStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleData executes the SQL script at path in one transaction.
func (d *Database) HandleData(ctx context.Context, path string) error {
	db := d.DB()
	if db == nil {
		return errors.New(errors.CodeDatabase).WithDetail("Database is not open")
	}
	script, err := os.ReadFile(path)
	if err != nil {
		return errors.New(errors.CodeDatabase).Wrap(err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeDatabase).Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		_ = tx.Rollback()
		return errors.New(errors.CodeDatabase).
			WithLocation(path, 0, 0).
			Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeDatabase).Wrap(err)
	}
	d.logger.Info("applied script", "path", path)
	return nil
}

// Close closes the database.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
