package bids

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/Comeani/NiBetaSeries/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// IndexDB is the SQLite cache database holding the file index and bold
// sidecar metadata.
type IndexDB struct {
	*sql.DB
}

// OpenIndexDB opens (creating if necessary) the cache database at path and
// brings its schema up to date.
func OpenIndexDB(path string) (*IndexDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	idb := &IndexDB{db}
	if err := idb.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	return idb, nil
}

// migrateUp applies all pending schema migrations from the embedded
// filesystem. Returns nil when the schema is already current.
func (db *IndexDB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Note: we don't close m because it would close the underlying DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("index schema migration failed: %w", err)
	}

	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// Reset drops all indexed rows so a fresh walk can repopulate the cache.
func (db *IndexDB) Reset() error {
	_, err := db.Exec(`
		DELETE FROM bold_metadata;
		DELETE FROM files;
		DELETE FROM index_runs;
	`)
	if err != nil {
		return fmt.Errorf("failed to reset index: %w", err)
	}
	return nil
}

// FileCount returns the number of indexed files.
func (db *IndexDB) FileCount() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count indexed files: %w", err)
	}
	return n, nil
}

// insertFile records one indexed file. tree identifies which tree the file
// came from ("raw" or "derivatives").
func (db *IndexDB) insertFile(path string, e Entities, tree string) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO files
			(path, subject, session, task, run, space, description, suffix, extension, tree)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, path, e.Subject, e.Session, e.Task, e.Run, e.Space, e.Description, e.Suffix, e.Extension, tree)
	if err != nil {
		return fmt.Errorf("failed to insert file %s: %w", path, err)
	}
	return nil
}

// insertMetadata records the JSON sidecar contents for a bold file.
func (db *IndexDB) insertMetadata(path string, raw []byte) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO bold_metadata (path, json) VALUES (?, ?)
	`, path, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert metadata for %s: %w", path, err)
	}
	return nil
}

// recordIndexRun logs one completed walk of the dataset.
func (db *IndexDB) recordIndexRun(id, bidsDir, derivativesDir string, fileCount int) error {
	_, err := db.Exec(`
		INSERT INTO index_runs (id, bids_dir, derivatives_dir, file_count)
		VALUES (?, ?, ?, ?)
	`, id, bidsDir, derivativesDir, fileCount)
	if err != nil {
		return fmt.Errorf("failed to record index run: %w", err)
	}
	return nil
}

// Subjects returns the distinct subject labels present in the index.
func (db *IndexDB) Subjects() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT subject FROM files ORDER BY subject`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}
