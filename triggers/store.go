package triggers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/castwatch/db"
)

// Store is where definitions come from and where actions and audit rows go.
type Store interface {
	LoadDefinitions(ctx context.Context) ([]Definition, error)
	// FiredSince reports whether the trigger fired for user at or after since.
	FiredSince(ctx context.Context, triggerID, userName string, since time.Time) (bool, error)
	// FiredCount counts firings of the trigger at or after since.
	FiredCount(ctx context.Context, triggerID string, since time.Time) (int, error)
	QueueDM(ctx context.Context, dm DM) (int64, error)
	// Enroll returns created=false when the user is already enrolled.
	Enroll(ctx context.Context, e Enrollment) (id int64, created bool, err error)
	AppendLog(ctx context.Context, e LogEntry) error
}

// Data is the read side the evaluators query.
type Data interface {
	// KnownViewers lists users already seen on the cast.
	KnownViewers(ctx context.Context, accountID, castName string) ([]string, error)
	SessionViewers(ctx context.Context, accountID, castName, sessionID string) ([]string, error)
	// SessionTippers returns tokens per user for the session.
	SessionTippers(ctx context.Context, accountID, castName, sessionID string) (map[string]int64, error)
	// CastProfiles returns own-cast profiles for users with at least minTokens.
	CastProfiles(ctx context.Context, accountID, castName string, users []string, minTokens int64) ([]Profile, error)
	// DormantProfiles returns own-cast profiles with at least minTokens not seen since before.
	DormantProfiles(ctx context.Context, accountID string, minTokens int64, before time.Time, limit int) ([]Profile, error)
	// SpyProfiles returns competitor-cast profiles with at least minTokens.
	SpyProfiles(ctx context.Context, accountID string, minTokens int64, limit int) ([]Profile, error)
	// OwnProfiles returns own-cast profiles of users.
	OwnProfiles(ctx context.Context, accountID string, users []string) ([]Profile, error)
	ActiveCasts(ctx context.Context, accountID string) ([]string, error)
	// CastVisitors returns own-cast profiles on casts with at least minVisits visits.
	CastVisitors(ctx context.Context, accountID string, casts []string, minVisits int) ([]Profile, error)
	UserSegments(ctx context.Context, accountID, castName string) ([]SegmentMember, error)
}

// SQLStore implements Store and Data on Postgres.
type SQLStore struct {
	DB *sql.DB
}

var firedOutcomes = []any{string(OutcomeDMQueued), string(OutcomeScenarioEnrolled)}

func (s *SQLStore) LoadDefinitions(ctx context.Context) ([]Definition, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, account_id, trigger_name, trigger_type, COALESCE(cast_name,''),
		COALESCE(condition_config::text,'{}'), action_type, COALESCE(message_template,''), COALESCE(scenario_id,''),
		COALESCE(array_to_string(target_segments, ','),''), COALESCE(cooldown_hours,24), COALESCE(daily_limit,0), COALESCE(priority,100)
		FROM dm_triggers WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("select triggers: %w", err)
	}
	defer rows.Close()
	var out []Definition
	for rows.Next() {
		var d Definition
		var cond, segments string
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Name, &d.Type, &d.CastName, &cond, &d.Action, &d.Template,
			&d.ScenarioID, &segments, &d.CooldownHours, &d.DailyLimit, &d.Priority); err != nil {
			return nil, err
		}
		d.Condition = json.RawMessage(cond)
		if segments != "" {
			d.TargetSegments = strings.Split(segments, ",")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) FiredSince(ctx context.Context, triggerID, userName string, since time.Time) (bool, error) {
	var ok bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM dm_trigger_logs
		WHERE trigger_id=$1 AND user_name=$2 AND action_taken IN ($3,$4) AND fired_at >= $5)`,
		triggerID, userName, firedOutcomes[0], firedOutcomes[1], since).Scan(&ok)
	return ok, err
}

func (s *SQLStore) FiredCount(ctx context.Context, triggerID string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dm_trigger_logs
		WHERE trigger_id=$1 AND action_taken IN ($2,$3) AND fired_at >= $4`,
		triggerID, firedOutcomes[0], firedOutcomes[1], since).Scan(&n)
	return n, err
}

func (s *SQLStore) QueueDM(ctx context.Context, dm DM) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO dm_send_log (account_id, cast_name, user_name, message, status, campaign, template_name, queued_at)
		VALUES ($1,$2,$3,$4,'queued',$5,$6,$7) RETURNING id`,
		dm.AccountID, dm.CastName, dm.UserName, dm.Message, dm.Campaign, dm.TemplateName, dm.QueuedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert dm_send_log: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Enroll(ctx context.Context, e Enrollment) (int64, bool, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO dm_scenario_enrollments
		(scenario_id, account_id, cast_name, username, enrolled_at, current_step, status, next_step_due_at)
		VALUES ($1,$2,$3,$4,$5,0,'active',$5)
		ON CONFLICT (scenario_id, username, cast_name) DO NOTHING RETURNING id`,
		e.ScenarioID, e.AccountID, e.CastName, e.UserName, e.EnrolledAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || db.IsUniqueViolation(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert enrollment: %w", err)
	}
	return id, true, nil
}

func (s *SQLStore) AppendLog(ctx context.Context, e LogEntry) error {
	meta, err := json.Marshal(map[string]any{
		"trigger_type": e.TriggerType,
		"segment":      nullIfEmpty(e.Candidate.Segment),
		"tokens":       e.Candidate.TotalTokens,
	})
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO dm_trigger_logs
		(trigger_id, account_id, cast_name, user_name, action_taken, dm_send_log_id, enrollment_id, error_message, metadata, fired_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.TriggerID, e.Candidate.AccountID, e.Candidate.CastName, e.Candidate.UserName, string(e.Outcome),
		nullInt(e.DMLogID), nullInt(e.EnrollmentID), nullIfEmpty(e.Error), string(meta), e.FiredAt)
	if err != nil {
		return fmt.Errorf("insert trigger log: %w", err)
	}
	return nil
}

func (s *SQLStore) KnownViewers(ctx context.Context, accountID, castName string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT user_name FROM spy_user_profiles
		WHERE account_id=$1 AND cast_name=$2 AND is_registered_cast`, accountID, castName)
}

func (s *SQLStore) SessionViewers(ctx context.Context, accountID, castName, sessionID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT user_name FROM spy_viewers
		WHERE account_id=$1 AND cast_name=$2 AND session_id=$3`, accountID, castName, sessionID)
}

// SessionTippers uses get_session_tippers when the backend provides it and aggregates
// spy_messages otherwise.
func (s *SQLStore) SessionTippers(ctx context.Context, accountID, castName, sessionID string) (map[string]int64, error) {
	out := make(map[string]int64)
	rows, err := s.DB.QueryContext(ctx, `SELECT user_name, total_tokens FROM get_session_tippers($1,$2,$3,$4)`,
		accountID, castName, sessionID, 1)
	if err != nil {
		if !isUndefinedFunction(err) {
			slog.Warn("get_session_tippers failed, aggregating directly", slog.Any("err", err), slog.String("component", "triggers"))
		}
		rows, err = s.DB.QueryContext(ctx, `SELECT user_name, SUM(tokens) FROM spy_messages
			WHERE account_id=$1 AND cast_name=$2 AND session_id=$3 AND tokens > 0 GROUP BY user_name`,
			accountID, castName, sessionID)
		if err != nil {
			return nil, fmt.Errorf("session tippers: %w", err)
		}
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		var n int64
		if err := rows.Scan(&u, &n); err != nil {
			return nil, err
		}
		out[u] += n
	}
	return out, rows.Err()
}

func (s *SQLStore) CastProfiles(ctx context.Context, accountID, castName string, users []string, minTokens int64) ([]Profile, error) {
	if len(users) == 0 {
		return nil, nil
	}
	return s.profiles(ctx, `SELECT user_name, cast_name, COALESCE(total_tokens,0), COALESCE(visit_count,0), last_visit_at
		FROM spy_user_profiles WHERE account_id=$1 AND cast_name=$2 AND is_registered_cast
		AND user_name = ANY(string_to_array($3, E'\x1f')) AND total_tokens >= $4`,
		accountID, castName, strings.Join(users, "\x1f"), minTokens)
}

func (s *SQLStore) DormantProfiles(ctx context.Context, accountID string, minTokens int64, before time.Time, limit int) ([]Profile, error) {
	return s.profiles(ctx, `SELECT user_name, cast_name, COALESCE(total_tokens,0), COALESCE(visit_count,0), last_visit_at
		FROM spy_user_profiles WHERE account_id=$1 AND is_registered_cast AND total_tokens >= $2 AND last_visit_at < $3
		ORDER BY total_tokens DESC LIMIT $4`, accountID, minTokens, before, limit)
}

func (s *SQLStore) SpyProfiles(ctx context.Context, accountID string, minTokens int64, limit int) ([]Profile, error) {
	return s.profiles(ctx, `SELECT user_name, cast_name, COALESCE(total_tokens,0), COALESCE(visit_count,0), last_visit_at
		FROM spy_user_profiles WHERE account_id=$1 AND NOT is_registered_cast AND total_tokens >= $2
		ORDER BY total_tokens DESC LIMIT $3`, accountID, minTokens, limit)
}

func (s *SQLStore) OwnProfiles(ctx context.Context, accountID string, users []string) ([]Profile, error) {
	if len(users) == 0 {
		return nil, nil
	}
	return s.profiles(ctx, `SELECT user_name, cast_name, COALESCE(total_tokens,0), COALESCE(visit_count,0), last_visit_at
		FROM spy_user_profiles WHERE account_id=$1 AND is_registered_cast
		AND user_name = ANY(string_to_array($2, E'\x1f'))`, accountID, strings.Join(users, "\x1f"))
}

func (s *SQLStore) ActiveCasts(ctx context.Context, accountID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT cast_name FROM registered_casts WHERE account_id=$1 AND is_active ORDER BY cast_name`, accountID)
}

func (s *SQLStore) CastVisitors(ctx context.Context, accountID string, casts []string, minVisits int) ([]Profile, error) {
	if len(casts) == 0 {
		return nil, nil
	}
	return s.profiles(ctx, `SELECT user_name, cast_name, COALESCE(total_tokens,0), COALESCE(visit_count,0), last_visit_at
		FROM spy_user_profiles WHERE account_id=$1 AND is_registered_cast
		AND cast_name = ANY(string_to_array($2, E'\x1f')) AND visit_count >= $3`,
		accountID, strings.Join(casts, "\x1f"), minVisits)
}

// UserSegments reads get_user_segments when the backend provides it and the stored
// segment column otherwise.
func (s *SQLStore) UserSegments(ctx context.Context, accountID, castName string) ([]SegmentMember, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT s.segment_id, u.user_name, COALESCE(u.total_coins,0)
		FROM get_user_segments($1,$2) s, jsonb_to_recordset(s.users) AS u(user_name text, total_coins bigint)`,
		accountID, castName)
	if err != nil {
		if !isUndefinedFunction(err) {
			slog.Warn("get_user_segments failed, reading stored segments", slog.Any("err", err), slog.String("component", "triggers"))
		}
		rows, err = s.DB.QueryContext(ctx, `SELECT segment, user_name, COALESCE(total_tokens,0) FROM spy_user_profiles
			WHERE account_id=$1 AND cast_name=$2 AND segment IS NOT NULL AND segment <> ''`, accountID, castName)
		if err != nil {
			return nil, fmt.Errorf("user segments: %w", err)
		}
	}
	defer rows.Close()
	var out []SegmentMember
	for rows.Next() {
		m := SegmentMember{CastName: castName}
		if err := rows.Scan(&m.Segment, &m.UserName, &m.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) profiles(ctx context.Context, q string, args ...any) ([]Profile, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		var p Profile
		var last sql.NullTime
		if err := rows.Scan(&p.UserName, &p.CastName, &p.TotalTokens, &p.VisitCount, &last); err != nil {
			return nil, err
		}
		p.LastVisit = last.Time
		out = append(out, p)
	}
	return out, rows.Err()
}

// isUndefinedFunction reports a missing SQL function (42883).
func isUndefinedFunction(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42883"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
