package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestRunMigrations(t *testing.T) {
	database := openTestDB(t)
	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	// second run is a no-op
	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() second run error = %v", err)
	}

	for _, table := range []string{"cast_sessions", "spy_messages", "spy_viewers", "dm_triggers", "dm_trigger_logs", "platform_credentials", "pipeline_status"} {
		var exists bool
		err := database.QueryRow(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := GetMigrationVersion(database)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty || version < 1 {
		t.Errorf("version=%d dirty=%v, want >=1 clean", version, dirty)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, database); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
}

func TestSingleOpenSessionIndex(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, _ = database.ExecContext(ctx, `DELETE FROM cast_sessions WHERE account_id='idx-test'`)
	t.Cleanup(func() { _, _ = database.ExecContext(ctx, `DELETE FROM cast_sessions WHERE account_id='idx-test'`) })

	ins := `INSERT INTO cast_sessions (session_id, account_id, cast_name, started_at) VALUES ($1,'idx-test','alice',NOW())`
	if _, err := database.ExecContext(ctx, ins, "s-1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := database.ExecContext(ctx, ins, "s-2")
	if !IsUniqueViolation(err) {
		t.Fatalf("second open session should violate unique index, got %v", err)
	}
	if _, err := database.ExecContext(ctx, `UPDATE cast_sessions SET ended_at=NOW() WHERE session_id='s-1'`); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := database.ExecContext(ctx, ins, "s-2"); err != nil {
		t.Fatalf("insert after close: %v", err)
	}
}
