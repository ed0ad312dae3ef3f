package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// HealthRecord is the periodic status row of one collector instance.
type HealthRecord struct {
	Pipeline     string    `json:"pipeline"`
	Status       string    `json:"status"`
	FeedState    string    `json:"feed_state"`
	WSConnected  bool      `json:"ws_connected"`
	SessionID    string    `json:"session_id,omitempty"`
	MessageCount int64     `json:"message_count"`
	TipTotal     int64     `json:"tip_total"`
	ViewerCount  int       `json:"viewer_count"`
	InstanceID   string    `json:"instance_id"`
	CastName     string    `json:"cast_name"`
	AccountID    string    `json:"account_id"`
	ModelID      string    `json:"model_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastRunAt    time.Time `json:"last_run_at"`
	BufferDepth  int       `json:"buffer_depth"`
}

// HealthWriter stores health records.
type HealthWriter interface {
	WriteHealth(ctx context.Context, r HealthRecord) error
}

// SQLHealthWriter upserts pipeline_status keyed by pipeline name.
type SQLHealthWriter struct {
	DB *sql.DB
}

func (w *SQLHealthWriter) WriteHealth(ctx context.Context, r HealthRecord) error {
	details, err := json.Marshal(map[string]any{
		"cast_name":    r.CastName,
		"account_id":   r.AccountID,
		"model_id":     r.ModelID,
		"feed_state":   r.FeedState,
		"started_at":   r.StartedAt,
		"buffer_depth": r.BufferDepth,
	})
	if err != nil {
		return err
	}
	var sessionID any
	if r.SessionID != "" {
		sessionID = r.SessionID
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO pipeline_status
		(pipeline_name, status, ws_connected, session_id, message_count, tip_total, viewer_count, instance_id, last_run_at, details, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, NOW())
		ON CONFLICT (pipeline_name) DO UPDATE SET
			status=EXCLUDED.status, ws_connected=EXCLUDED.ws_connected, session_id=EXCLUDED.session_id,
			message_count=EXCLUDED.message_count, tip_total=EXCLUDED.tip_total, viewer_count=EXCLUDED.viewer_count,
			instance_id=EXCLUDED.instance_id, last_run_at=EXCLUDED.last_run_at, details=EXCLUDED.details, updated_at=NOW()`,
		r.Pipeline, r.Status, r.WSConnected, sessionID, r.MessageCount, r.TipTotal, r.ViewerCount, r.InstanceID, r.LastRunAt, string(details))
	if err != nil {
		return fmt.Errorf("upsert pipeline_status: %w", err)
	}
	return nil
}
