// Package testdb runs repository tests against a real Postgres inside a
// transaction that is rolled back on cleanup.
package testdb

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/selivandex/decision-engine/internal/adapters/database"
)

// TestDB wraps database for testing with automatic rollback
type TestDB struct {
	Tx *sqlx.Tx
	db *sqlx.DB
}

// Setup connects to TEST_DATABASE_URL, migrates and begins a transaction. The
// test is skipped when no database is configured.
func Setup(t *testing.T) *TestDB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if _, err := database.RunMigrations(conn.DB, migrationsPath()); err != nil {
		_ = conn.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	tx, err := conn.Beginx()
	if err != nil {
		_ = conn.Close()
		t.Fatalf("failed to begin transaction: %v", err)
	}

	tdb := &TestDB{Tx: tx, db: conn}
	t.Cleanup(func() {
		tdb.Teardown(t)
	})
	return tdb
}

// Teardown rolls back transaction and closes connection
func (tdb *TestDB) Teardown(t *testing.T) {
	t.Helper()

	if err := tdb.Tx.Rollback(); err != nil {
		t.Logf("warning: failed to rollback transaction: %v", err)
	}
	if err := tdb.db.Close(); err != nil {
		t.Logf("warning: failed to close database: %v", err)
	}
}

// Exec executes SQL in test transaction
func (tdb *TestDB) Exec(t *testing.T, query string, args ...interface{}) {
	t.Helper()

	if _, err := tdb.Tx.Exec(query, args...); err != nil {
		t.Fatalf("failed to execute query: %v\nQuery: %s", err, query)
	}
}

// Count returns the row count of table
func (tdb *TestDB) Count(t *testing.T, table string) int {
	t.Helper()

	var n int
	if err := tdb.Tx.Get(&n, "SELECT COUNT(*) FROM "+table); err != nil {
		t.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}

func migrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations", "postgres")
}
