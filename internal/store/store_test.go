package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	q, _, path := createTestQueue(t)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, q.verifyPragma("journal_mode", "wal"))
	require.NoError(t, q.verifyPragma("synchronous", "1"))
	require.NoError(t, q.verifyPragma("user_version", "1"))
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hits.db")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q, err := Open(path, WithLogger(discardLogger()))
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		q.Put(ctx, map[string]string{"i": "x"}, time.Now().UnixMilli(), "http://c/collect", nil)
		assert.Equal(t, i+1, q.Count(ctx))
		q.Close()
	}
}

// createLegacyTable builds a hits2 table with the given column list.
func createLegacyTable(t *testing.T, path, columns, insert string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE hits2 (" + columns + ")")
	require.NoError(t, err)
	_, err = db.Exec(insert)
	require.NoError(t, err)
}

func TestOpen_AddsMissingAppIDColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hits.db")
	createLegacyTable(t, path,
		"hit_id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL, hit_time INTEGER NOT NULL, hit_url TEXT NOT NULL, hit_string TEXT NOT NULL",
		"INSERT INTO hits2 (hit_time, hit_url, hit_string) VALUES (1, 'http://c/collect', 'a=1')")

	q, err := Open(path, WithLogger(discardLogger()))
	require.NoError(t, err)
	defer q.Close()

	cols, err := tableColumns(q.db, hitsTable)
	require.NoError(t, err)
	assert.True(t, cols["hit_app_id"])
	assert.Equal(t, 1, q.Count(context.Background()), "existing hits survive the migration")
}

func TestOpen_RecreatesOnSchemaMismatch(t *testing.T) {
	tests := []struct {
		name    string
		columns string
		insert  string
	}{
		{
			"extra column",
			"hit_id INTEGER PRIMARY KEY AUTOINCREMENT, hit_time INTEGER, hit_url TEXT, hit_string TEXT, hit_app_id INTEGER, surprise TEXT",
			"INSERT INTO hits2 (hit_time, hit_url, hit_string, surprise) VALUES (1, 'http://c/collect', 'a=1', 'x')",
		},
		{
			"missing column",
			"hit_id INTEGER PRIMARY KEY AUTOINCREMENT, hit_url TEXT, hit_string TEXT, hit_app_id INTEGER",
			"INSERT INTO hits2 (hit_url, hit_string) VALUES ('http://c/collect', 'a=1')",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hits.db")
			createLegacyTable(t, path, tt.columns, tt.insert)

			q, err := Open(path, WithLogger(discardLogger()))
			require.NoError(t, err)
			defer q.Close()

			assert.Equal(t, 0, q.Count(context.Background()), "mismatched store is recreated empty")
			cols, err := tableColumns(q.db, hitsTable)
			require.NoError(t, err)
			assert.Len(t, cols, 5)
		})
	}
}

func TestValidateColumns_ReportsSchemaError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hits.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE hits2 (hit_id INTEGER PRIMARY KEY, hit_url TEXT, bogus TEXT)")
	require.NoError(t, err)

	err = validateColumns(db)
	require.Error(t, err)
	assert.True(t, IsSchemaError(err))

	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"hit_time", "hit_string"}, se.Missing)
	assert.Equal(t, []string{"bogus"}, se.Extra)
	assert.Contains(t, se.Error(), "missing columns hit_time,hit_string")
}

func TestOpen_RecreatesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hits.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database, not even close"), 0o600))

	q, err := Open(path, WithLogger(discardLogger()))
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	q.Put(ctx, map[string]string{"t": "event"}, 1, "http://c/collect", nil)
	assert.Equal(t, 1, q.Count(ctx))
}
