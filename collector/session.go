package collector

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/castwatch/config"
	"github.com/onnwee/castwatch/db"
)

// SessionID derives the broadcast session id from the account, the target and the start
// time. The same inputs always give the same UUID-shaped id.
func SessionID(accountID, castName string, start time.Time) string {
	key := accountID + ":" + castName + ":" + start.UTC().Format("2006-01-02T15:04:05.000Z")
	return uuid.NewHash(sha256.New(), uuid.Nil, []byte(key), 5).String()
}

// Session is an open broadcast session.
type Session struct {
	ID        string
	AccountID string
	CastName  string
	StartedAt time.Time
}

// Counters are the per-session totals written when a session closes.
type Counters struct {
	Messages    int64
	Tokens      int64
	PeakViewers int
}

// SessionStore persists broadcast sessions.
type SessionStore interface {
	// Open inserts the session. When an open session already exists for the target its id
	// is returned instead.
	Open(ctx context.Context, s Session) (string, error)
	Close(ctx context.Context, id string, endedAt time.Time, c Counters) error
	// CloseStale ends every open session of the target and returns how many it closed.
	CloseStale(ctx context.Context, accountID, castName string, at time.Time) (int64, error)
	CloseOrphans(ctx context.Context) error
	MarkSeen(ctx context.Context, source, accountID, castName string, at time.Time) error
}

// SQLSessionStore implements SessionStore on cast_sessions.
type SQLSessionStore struct {
	DB *sql.DB
}

func (s *SQLSessionStore) Open(ctx context.Context, sess Session) (string, error) {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO cast_sessions (session_id, account_id, cast_name, started_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())`, sess.ID, sess.AccountID, sess.CastName, sess.StartedAt)
	if err == nil {
		return sess.ID, nil
	}
	if !db.IsUniqueViolation(err) {
		return "", fmt.Errorf("open session: %w", err)
	}
	var existing string
	err = s.DB.QueryRowContext(ctx, `SELECT session_id FROM cast_sessions
		WHERE account_id=$1 AND cast_name=$2 AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, sess.AccountID, sess.CastName).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		// the conflict was on the primary key: this exact session is already recorded
		return sess.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup open session: %w", err)
	}
	return existing, nil
}

func (s *SQLSessionStore) Close(ctx context.Context, id string, endedAt time.Time, c Counters) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE cast_sessions
		SET ended_at=$2, total_messages=$3, total_tokens=$4, peak_viewers=GREATEST(peak_viewers, $5), updated_at=NOW()
		WHERE session_id=$1`, id, endedAt, c.Messages, c.Tokens, c.PeakViewers)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	return nil
}

func (s *SQLSessionStore) CloseStale(ctx context.Context, accountID, castName string, at time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE cast_sessions SET ended_at=$3, updated_at=NOW()
		WHERE account_id=$1 AND cast_name=$2 AND ended_at IS NULL`, accountID, castName, at)
	if err != nil {
		return 0, fmt.Errorf("close stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLSessionStore) CloseOrphans(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `SELECT close_orphan_sessions()`); err != nil {
		return fmt.Errorf("close_orphan_sessions: %w", err)
	}
	return nil
}

func (s *SQLSessionStore) MarkSeen(ctx context.Context, source, accountID, castName string, at time.Time) error {
	var q string
	switch source {
	case config.SourceSpy:
		q = `UPDATE spy_casts SET last_seen_online=$3 WHERE account_id=$1 AND cast_name=$2`
	default:
		q = `UPDATE registered_casts SET last_seen_online=$3 WHERE account_id=$1 AND cast_name=$2`
	}
	if _, err := s.DB.ExecContext(ctx, q, accountID, castName, at); err != nil {
		return fmt.Errorf("mark last seen: %w", err)
	}
	return nil
}
