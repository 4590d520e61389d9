package sqlitemigrate_test

import (
	"database/sql"
	"embed"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/mpalmer/factrun/internal/sqlitemigrate"
)

//go:embed testdata/migrations/*.sql
var testMigrations embed.FS

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRunner(t *testing.T, db *sql.DB) *sqlitemigrate.Runner {
	t.Helper()
	r := sqlitemigrate.New(db, "schema_migrations")
	require.NoError(t, r.LoadFromFS(testMigrations, "testdata/migrations"))
	return r
}

func TestRunner_UpAppliesInOrder(t *testing.T) {
	db := openTestDB(t)
	r := newTestRunner(t, db)

	require.NoError(t, r.Up())

	_, err := db.Exec("INSERT INTO widgets (id, name, price) VALUES (1, 'sprocket', 5)")
	require.NoError(t, err)

	version, err := r.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestRunner_UpIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := newTestRunner(t, db)

	require.NoError(t, r.Up())
	require.NoError(t, r.Up())

	version, err := r.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestRunner_VersionZeroBeforeAnyMigration(t *testing.T) {
	db := openTestDB(t)
	r := sqlitemigrate.New(db, "schema_migrations")

	version, err := r.Version()
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestRunner_UpFailureRollsBackTransaction(t *testing.T) {
	db := openTestDB(t)
	r := sqlitemigrate.New(db, "schema_migrations")
	require.NoError(t, r.LoadFromFS(testMigrations, "testdata/migrations"))

	_, err := db.Exec("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL, price INTEGER NOT NULL DEFAULT 0)")
	require.NoError(t, err)

	err = r.Up()
	assert.Error(t, err)

	version, verr := r.Version()
	require.NoError(t, verr)
	assert.Equal(t, 0, version)
}
