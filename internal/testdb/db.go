// Package testdb provides utilities for database integration testing.
// Tests that need a real PostgreSQL instance are gated on the
// DATABASE_URL environment variable and skipped when it is unset.
package testdb

import (
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/platform/postgres"
)

// IsIntegrationTestEnvironment returns true if the DATABASE_URL
// environment variable is set, indicating that integration tests can run.
func IsIntegrationTestEnvironment() bool {
	return len(os.Getenv("DATABASE_URL")) > 0
}

// GetTestDatabaseURL returns the database URL for tests. It checks
// DATABASE_URL and TASKFORGE_TEST_DB_URL in that order.
func GetTestDatabaseURL() string {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = os.Getenv("TASKFORGE_TEST_DB_URL")
	}
	return dbURL
}

// Open connects to the test database, applies migrations, and registers
// cleanup. Skips the calling test when no test database is configured.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := GetTestDatabaseURL()
	if dbURL == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dbURL)
	require.NoError(t, err, "Failed to open test database connection")
	require.NoError(t, db.Ping(), "Failed to ping test database")

	require.NoError(t, postgres.Migrate(db), "Failed to apply migrations")

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// WithTx executes a test function within a transaction, rolling back
// afterwards so tests leave no state behind.
func WithTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	tx, err := db.Begin()
	require.NoError(t, err, "Failed to begin transaction")

	defer func() {
		err := tx.Rollback()
		// sql.ErrTxDone is expected if tx is already committed or rolled back
		if err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("Warning: failed to rollback transaction: %v", err)
		}
	}()

	fn(t, tx)
}
