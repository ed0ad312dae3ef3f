// Package db provides the Postgres connection, schema migration, and the encrypted
// platform credential row used by the auth manager.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/castwatch/crypto"
)

// Connect opens a Postgres pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	database.SetMaxOpenConns(8)
	database.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return database, nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Migrate applies idempotent schema changes for all tables the collector touches.
// It is the fallback when versioned migrations are unavailable.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, s := range schema {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cast_sessions (
		session_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		cast_name TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		total_messages INTEGER DEFAULT 0,
		total_tokens BIGINT DEFAULT 0,
		peak_viewers INTEGER DEFAULT 0,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_cast_sessions_open ON cast_sessions(account_id, cast_name) WHERE ended_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS spy_messages (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		cast_name TEXT NOT NULL,
		session_id TEXT,
		message_time TIMESTAMPTZ NOT NULL,
		msg_type TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		message TEXT,
		tokens INTEGER DEFAULT 0,
		is_vip BOOLEAN DEFAULT FALSE,
		user_league TEXT,
		user_level INTEGER DEFAULT 0,
		user_id_stripchat TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		UNIQUE (cast_name, message_time, user_name, msg_type)
	)`,
	`CREATE TABLE IF NOT EXISTS spy_viewers (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		cast_name TEXT NOT NULL,
		session_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		user_id_stripchat TEXT,
		league TEXT,
		level INTEGER DEFAULT 0,
		is_fan_club BOOLEAN DEFAULT FALSE,
		first_seen_at TIMESTAMPTZ DEFAULT NOW(),
		UNIQUE (cast_name, session_id, user_name)
	)`,
	`CREATE TABLE IF NOT EXISTS spy_user_profiles (
		account_id TEXT NOT NULL,
		cast_name TEXT NOT NULL,
		user_name TEXT NOT NULL,
		total_tokens BIGINT DEFAULT 0,
		visit_count INTEGER DEFAULT 0,
		segment TEXT,
		last_visit_at TIMESTAMPTZ,
		is_registered_cast BOOLEAN DEFAULT FALSE,
		PRIMARY KEY (account_id, cast_name, user_name)
	)`,
	`CREATE TABLE IF NOT EXISTS registered_casts (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		cast_name TEXT NOT NULL,
		display_name TEXT,
		is_active BOOLEAN DEFAULT TRUE,
		model_id TEXT,
		last_seen_online TIMESTAMPTZ,
		UNIQUE (account_id, cast_name)
	)`,
	`CREATE TABLE IF NOT EXISTS spy_casts (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		cast_name TEXT NOT NULL,
		display_name TEXT,
		is_active BOOLEAN DEFAULT TRUE,
		model_id TEXT,
		last_seen_online TIMESTAMPTZ,
		UNIQUE (account_id, cast_name)
	)`,
	`CREATE TABLE IF NOT EXISTS platform_sessions (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		session_cookie TEXT NOT NULL,
		is_active BOOLEAN DEFAULT TRUE,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_status (
		pipeline_name TEXT PRIMARY KEY,
		status TEXT,
		ws_connected BOOLEAN DEFAULT FALSE,
		session_id TEXT,
		message_count INTEGER DEFAULT 0,
		tip_total BIGINT DEFAULT 0,
		viewer_count INTEGER DEFAULT 0,
		instance_id TEXT,
		last_run_at TIMESTAMPTZ,
		details JSONB,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS cast_screenshots (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		cast_name TEXT NOT NULL,
		session_id TEXT,
		model_id TEXT,
		cdn_url TEXT,
		size_bytes INTEGER,
		captured_at TIMESTAMPTZ NOT NULL,
		UNIQUE (cast_name, captured_at)
	)`,
	`CREATE TABLE IF NOT EXISTS dm_triggers (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		trigger_name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		cast_name TEXT,
		condition_config JSONB DEFAULT '{}'::jsonb,
		action_type TEXT NOT NULL,
		message_template TEXT,
		scenario_id TEXT,
		target_segments TEXT[] DEFAULT '{}',
		cooldown_hours INTEGER DEFAULT 24,
		daily_limit INTEGER DEFAULT 0,
		enabled BOOLEAN DEFAULT TRUE,
		priority INTEGER DEFAULT 100,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS dm_send_log (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		cast_name TEXT,
		user_name TEXT NOT NULL,
		message TEXT,
		status TEXT NOT NULL,
		campaign TEXT NOT NULL,
		template_name TEXT,
		queued_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS dm_scenario_enrollments (
		id BIGSERIAL PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		username TEXT NOT NULL,
		cast_name TEXT NOT NULL,
		current_step INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		enrolled_at TIMESTAMPTZ DEFAULT NOW(),
		next_step_due_at TIMESTAMPTZ,
		UNIQUE (scenario_id, username, cast_name)
	)`,
	`CREATE TABLE IF NOT EXISTS dm_trigger_logs (
		id BIGSERIAL PRIMARY KEY,
		trigger_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		cast_name TEXT,
		user_name TEXT NOT NULL,
		action_taken TEXT NOT NULL,
		dm_send_log_id BIGINT,
		enrollment_id BIGINT,
		error_message TEXT,
		metadata JSONB,
		fired_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS platform_credentials (
		provider TEXT PRIMARY KEY,
		token TEXT,
		cf_clearance TEXT,
		ws_url TEXT,
		subject_id TEXT,
		expires_at TIMESTAMPTZ,
		method TEXT,
		acquired_at TIMESTAMPTZ,
		refresh_count INTEGER DEFAULT 0,
		encryption_version INTEGER DEFAULT 0,
		encryption_key_id TEXT,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_spy_messages_session ON spy_messages(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_spy_viewers_session ON spy_viewers(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_dm_trigger_logs_pair ON dm_trigger_logs(trigger_id, user_name, fired_at)`,
	`CREATE INDEX IF NOT EXISTS idx_dm_trigger_logs_day ON dm_trigger_logs(trigger_id, fired_at)`,
	`CREATE INDEX IF NOT EXISTS idx_platform_sessions_account ON platform_sessions(account_id, is_active, updated_at)`,
}

// CredentialRow is the persisted form of the shared platform credential.
type CredentialRow struct {
	Provider     string
	Token        string
	CFClearance  string
	WSURL        string
	SubjectID    string
	ExpiresAt    time.Time
	Method       string
	AcquiredAt   time.Time
	RefreshCount int
}

// UpsertCredential stores the credential for its provider. With a non-nil encryptor the
// token and cookie are sealed and encryption_version is 1; otherwise they are stored as is.
func UpsertCredential(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, c CredentialRow) error {
	token, cookie := c.Token, c.CFClearance
	encVersion := 0
	keyID := ""
	if enc != nil {
		var err error
		if token, err = crypto.EncryptString(enc, c.Token); err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
		if cookie, err = crypto.EncryptString(enc, c.CFClearance); err != nil {
			return fmt.Errorf("encrypt cf_clearance: %w", err)
		}
		encVersion = 1
		if k, ok := enc.(interface{ KeyID() string }); ok {
			keyID = k.KeyID()
		}
	}
	_, err := dbx.ExecContext(ctx, `INSERT INTO platform_credentials
		(provider, token, cf_clearance, ws_url, subject_id, expires_at, method, acquired_at, refresh_count, encryption_version, encryption_key_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		ON CONFLICT (provider) DO UPDATE SET
			token=EXCLUDED.token,
			cf_clearance=EXCLUDED.cf_clearance,
			ws_url=EXCLUDED.ws_url,
			subject_id=EXCLUDED.subject_id,
			expires_at=EXCLUDED.expires_at,
			method=EXCLUDED.method,
			acquired_at=EXCLUDED.acquired_at,
			refresh_count=EXCLUDED.refresh_count,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		c.Provider, token, cookie, c.WSURL, c.SubjectID, c.ExpiresAt, c.Method, c.AcquiredAt, c.RefreshCount, encVersion, keyID)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential loads the credential for provider. It returns (nil, nil) when no row exists.
func GetCredential(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, provider string) (*CredentialRow, error) {
	var c CredentialRow
	var encVersion int
	var ws, subject, method sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT provider, COALESCE(token,''), COALESCE(cf_clearance,''), ws_url, subject_id,
		expires_at, method, acquired_at, COALESCE(refresh_count,0), COALESCE(encryption_version,0)
		FROM platform_credentials WHERE provider=$1`, provider).
		Scan(&c.Provider, &c.Token, &c.CFClearance, &ws, &subject, &c.ExpiresAt, &method, &c.AcquiredAt, &c.RefreshCount, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select credential: %w", err)
	}
	c.WSURL, c.SubjectID, c.Method = ws.String, subject.String, method.String
	if encVersion == 1 {
		if enc == nil {
			return nil, fmt.Errorf("credential is encrypted but ENCRYPTION_KEY not configured")
		}
		if c.Token, err = crypto.DecryptString(enc, c.Token); err != nil {
			return nil, fmt.Errorf("decrypt token: %w", err)
		}
		if c.CFClearance, err = crypto.DecryptString(enc, c.CFClearance); err != nil {
			return nil, fmt.Errorf("decrypt cf_clearance: %w", err)
		}
	}
	return &c, nil
}
