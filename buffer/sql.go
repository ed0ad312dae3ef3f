package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// maxParams stays under the Postgres limit of 65535 bind parameters per statement.
const maxParams = 60000

// SQLWriter writes groups to Postgres as multi-row INSERT statements. A conflict key adds
// ON CONFLICT (...) DO NOTHING, so re-flushing the same rows is harmless.
type SQLWriter struct {
	DB *sql.DB
}

func (w *SQLWriter) Write(ctx context.Context, table, conflictKey string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := columns(rows)
	if len(cols) == 0 {
		return fmt.Errorf("no columns for %s", table)
	}
	per := maxParams / len(cols)
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		query, args, err := buildInsert(table, conflictKey, cols, rows[start:end])
		if err != nil {
			return err
		}
		if _, err := w.DB.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// columns returns the sorted union of keys across rows.
func columns(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// buildInsert renders the statement. Columns a row does not carry get DEFAULT.
func buildInsert(table, conflictKey string, cols []string, rows []Row) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pgx.Identifier{table}.Sanitize())
	sb.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pgx.Identifier{c}.Sanitize())
	}
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			v, ok := r[c]
			if !ok {
				sb.WriteString("DEFAULT")
				continue
			}
			arg, err := sqlValue(v)
			if err != nil {
				return "", nil, fmt.Errorf("column %s: %w", c, err)
			}
			args = append(args, arg)
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteByte(')')
	}

	if keys := conflictColumns(conflictKey); len(keys) > 0 {
		sb.WriteString(" ON CONFLICT (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(pgx.Identifier{k}.Sanitize())
		}
		sb.WriteString(") DO NOTHING")
	}
	return sb.String(), args, nil
}

func conflictColumns(key string) []string {
	var out []string
	for _, k := range strings.Split(key, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// sqlValue encodes maps and slices as JSON text for JSONB columns. String slices stay
// slices so TEXT[] columns keep working.
func sqlValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any, Row, []any, json.RawMessage:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}
