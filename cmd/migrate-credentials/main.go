// Command migrate-credentials seals plaintext rows of platform_credentials once
// ENCRYPTION_KEY is configured.
//
// Usage:
//
//	migrate-credentials [--dry-run] [--provider NAME]
//
// Environment: DB_DSN (required), ENCRYPTION_KEY (required, base64 of 32 bytes).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/castwatch/crypto"
	"github.com/onnwee/castwatch/db"
	"github.com/onnwee/castwatch/telemetry"
)

type credentialRow struct {
	Provider    string
	Token       string
	CFClearance string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate one provider only (default: all)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(telemetry.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), "migrate-credentials"))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("err", err))
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := migrateCredentials(ctx, database, enc, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// migrateCredentials seals every row with encryption_version 0. Failed rows are logged and
// counted; the run continues with the next one.
func migrateCredentials(ctx context.Context, database *sql.DB, enc *crypto.AESEncryptor, dryRun bool, providerFilter string) error {
	query := `SELECT provider, COALESCE(token,''), COALESCE(cf_clearance,'')
		FROM platform_credentials WHERE COALESCE(encryption_version,0) = 0`
	var args []any
	if providerFilter != "" {
		query += " AND provider = $1"
		args = append(args, providerFilter)
	}
	query += " ORDER BY provider"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query plaintext credentials: %w", err)
	}
	var creds []credentialRow
	for rows.Next() {
		var c credentialRow
		if err := rows.Scan(&c.Provider, &c.Token, &c.CFClearance); err != nil {
			rows.Close()
			return fmt.Errorf("scan credential row: %w", err)
		}
		creds = append(creds, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate credential rows: %w", err)
	}

	if len(creds) == 0 {
		slog.Info("no plaintext credentials found to migrate")
		return nil
	}
	slog.Info("found plaintext credentials to migrate", slog.Int("count", len(creds)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, c := range creds {
		lg := slog.With(slog.String("provider", c.Provider), slog.Int("index", i+1), slog.Int("total", len(creds)))
		if dryRun {
			lg.Info("would migrate credential (dry-run)")
			migrated++
			continue
		}
		if err := sealRow(ctx, database, enc, c); err != nil {
			lg.Error("failed to migrate credential", slog.Any("err", err))
			failed++
			continue
		}
		lg.Info("migrated credential")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(creds)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

func sealRow(ctx context.Context, database *sql.DB, enc *crypto.AESEncryptor, c credentialRow) error {
	token, err := crypto.EncryptString(enc, c.Token)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	cookie, err := crypto.EncryptString(enc, c.CFClearance)
	if err != nil {
		return fmt.Errorf("encrypt cf_clearance: %w", err)
	}
	// The version guard makes a concurrent writer's row win over this one.
	res, err := database.ExecContext(ctx, `UPDATE platform_credentials
		SET token=$1, cf_clearance=$2, encryption_version=1, encryption_key_id=$3, updated_at=NOW()
		WHERE provider=$4 AND COALESCE(encryption_version,0)=0`,
		token, cookie, enc.KeyID(), c.Provider)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (credential may have been modified concurrently)", n)
	}
	return nil
}
