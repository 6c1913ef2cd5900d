package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial hits2 table
// 1 - Added (hit_url, hit_id) and hit_time indexes for peek and stale purge
const currentSchemaVersion = 1

const hitsTable = "hits2"

// requiredColumns must all be present in an existing hits table.
var requiredColumns = []string{"hit_id", "hit_time", "hit_url", "hit_string"}

// optionalColumn is added in place when missing.
const optionalColumn = "hit_app_id"

// openDatabase opens (creating if needed) the SQLite file at path, applies
// pragmas, and validates or creates the hits table.
//
// A *SchemaError is returned when an existing table has missing or
// unexpected columns; the caller is expected to delete the file.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
			db.Close()
			return nil, fmt.Errorf("restrict database permissions: %w", err)
		}
	}

	return db, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates the hits table, or validates an existing one, then
// runs migrations.
func applySchema(db *sql.DB) error {
	present, err := tablePresent(db, hitsTable)
	if err != nil {
		return err
	}

	if !present {
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	} else if err := validateColumns(db); err != nil {
		return err
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func tablePresent(db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query for table %s: %w", table, err)
	}
	return n > 0, nil
}

// validateColumns checks the hits table has exactly the expected columns.
// A missing optional column is added; anything else is a *SchemaError.
func validateColumns(db *sql.DB) error {
	columns, err := tableColumns(db, hitsTable)
	if err != nil {
		return err
	}

	var schemaErr SchemaError
	for _, c := range requiredColumns {
		if !columns[c] {
			schemaErr.Missing = append(schemaErr.Missing, c)
		}
		delete(columns, c)
	}
	needsAppID := !columns[optionalColumn]
	delete(columns, optionalColumn)

	for c := range columns {
		schemaErr.Extra = append(schemaErr.Extra, c)
	}
	sort.Strings(schemaErr.Extra)

	if len(schemaErr.Missing) > 0 || len(schemaErr.Extra) > 0 {
		return &schemaErr
	}

	if needsAppID {
		if _, err := db.Exec(`ALTER TABLE hits2 ADD COLUMN hit_app_id INTEGER`); err != nil {
			return fmt.Errorf("add hit_app_id column: %w", err)
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes the peek order and the stale purge predicate.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_hits2_url_id ON hits2(hit_url, hit_id);
		CREATE INDEX IF NOT EXISTS idx_hits2_time ON hits2(hit_time);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// removeDatabaseFiles deletes the database and its WAL side files.
func removeDatabaseFiles(path string) error {
	var firstErr error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
