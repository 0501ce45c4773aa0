package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ctrlplane/internal/domain"
)

// SQLite is the default durable Store, backed by the workspace database. The
// events table keys on idempotency_key, so ON CONFLICT DO NOTHING gives
// first-writer-wins without a separate read-then-write step.
type SQLite struct {
	DB *sql.DB
}

func (s SQLite) Get(ctx context.Context, key string) (domain.Event, error) {
	return scanEvent(s.DB.QueryRowContext(ctx,
		`SELECT event_id,event_type,source,ts,COALESCE(actor,'') AS actor,payload_json,metadata_json FROM events WHERE idempotency_key=?`, key))
}

func (s SQLite) Put(ctx context.Context, key string, event domain.Event) (domain.Event, bool, error) {
	payload, metadata, err := encodeMaps(event)
	if err != nil {
		return domain.Event{}, false, err
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO events(idempotency_key,event_id,event_type,source,ts,actor,payload_json,metadata_json) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(idempotency_key) DO NOTHING`,
		key, event.EventID, event.EventType, event.Source, event.Timestamp, nullable(event.Actor), payload, metadata)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("insert event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Event{}, false, err
	}
	if affected == 0 {
		// Lost the race or key already admitted; the stored Event wins.
		existing, err := s.Get(ctx, key)
		if err != nil {
			return domain.Event{}, false, fmt.Errorf("read winning event: %w", err)
		}
		return existing, false, nil
	}
	return event, true, nil
}

func scanEvent(row *sql.Row) (domain.Event, error) {
	var e domain.Event
	var payload, metadata string
	err := row.Scan(&e.EventID, &e.EventType, &e.Source, &e.Timestamp, &e.Actor, &payload, &metadata)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return e, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return e, fmt.Errorf("decode metadata: %w", err)
	}
	return e, nil
}

func encodeMaps(event domain.Event) (string, string, error) {
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(payload), string(metadata), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
