package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Writer appends records to the audit_log table in the workspace database.
// One record is one INSERT, so concurrent pipeline runs cannot corrupt an
// individual entry.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, rec Record) error {
	ts := rec.TS
	if ts == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		ts = now().UTC().Format(time.RFC3339)
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal audit fields: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,event_name,fields_json) VALUES (?,?,?)`,
		ts, rec.EventName, string(data))
	return err
}

// Recent returns up to limit records in reverse insertion order, optionally
// filtered by event name. A before cursor greater than zero restricts the
// page to records older than that id, so callers can walk backwards through
// the trail.
func (w Writer) Recent(ctx context.Context, limit int, eventName string, before int64) ([]Record, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if eventName != "" {
		clauses = append(clauses, "event_name=?")
		args = append(args, eventName)
	}
	if before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, before)
	}
	query := `SELECT id,ts,event_name,fields_json FROM audit_log WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return w.query(ctx, query, args...)
}

// After returns up to limit records with id greater than cursor, in insertion
// order. The forwarder uses this to page through the trail.
func (w Writer) After(ctx context.Context, limit int, cursor int64) ([]Record, error) {
	query := `SELECT id,ts,event_name,fields_json FROM audit_log WHERE id>? ORDER BY id ASC`
	args := []any{cursor}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return w.query(ctx, query, args...)
}

// LatestID returns the id of the newest record, or 0 when the trail is empty.
func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := w.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id)
	return id, err
}

func (w Writer) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var fields string
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.EventName, &fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode audit fields: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
