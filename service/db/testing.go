package db

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// testDatabaseURLEnv names the env var pointing at a throwaway Postgres
// database for store tests.
const testDatabaseURLEnv = "ESCROWD_TEST_DATABASE_URL"

// SkipIfNoTestDB skips the test unless a test database is configured.
func SkipIfNoTestDB(t *testing.T) string {
	t.Helper()
	url := os.Getenv(testDatabaseURLEnv)
	if url == "" {
		t.Skipf("set %s to run store tests", testDatabaseURLEnv)
	}
	return url
}

// TestStore connects to the test database, applies the schema and truncates
// all tables, returning a Store wired for the test. The pool is closed via
// t.Cleanup.
func TestStore(t *testing.T) *Store {
	t.Helper()
	url := SkipIfNoTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("schema.sql")
	if err != nil {
		t.Fatalf("failed to read schema.sql: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		TRUNCATE deals, onchain_events, resolve_tickets, wallet_identities CASCADE`); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(pool, logger, nil)
}
