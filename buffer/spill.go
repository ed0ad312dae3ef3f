package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SpillStore is a Spill backed by a local SQLite file.
type SpillStore struct {
	db *sql.DB
}

// OpenSpillStore opens (creating if needed) the spill database at path.
func OpenSpillStore(ctx context.Context, path string) (*SpillStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS spilled_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			conflict_key TEXT NOT NULL DEFAULT '',
			row_json TEXT NOT NULL,
			spilled_at INTEGER NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spilled_rows: %w", err)
	}
	return &SpillStore{db: db}, nil
}

func (s *SpillStore) Put(ctx context.Context, items []Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().Unix()
	for _, it := range items {
		b, err := json.Marshal(it.Row)
		if err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO spilled_rows (table_name, conflict_key, row_json, spilled_at) VALUES (?, ?, ?, ?)`,
			it.Table, it.ConflictKey, string(b), now); err != nil {
			return fmt.Errorf("insert spilled row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SpillStore) Pending(ctx context.Context, limit int) ([]SpilledItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, conflict_key, row_json FROM spilled_rows ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query spilled rows: %w", err)
	}
	defer rows.Close()
	var out []SpilledItem
	for rows.Next() {
		var it SpilledItem
		var raw string
		if err := rows.Scan(&it.ID, &it.Table, &it.ConflictKey, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &it.Row); err != nil {
			return nil, fmt.Errorf("decode spilled row %d: %w", it.ID, err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SpillStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `DELETE FROM spilled_rows WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// Count returns the number of rows waiting in the spill file.
func (s *SpillStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spilled_rows`).Scan(&n)
	return n, err
}

func (s *SpillStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}
