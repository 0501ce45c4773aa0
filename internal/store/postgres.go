package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"ctrlplane/internal/domain"
)

// Postgres is a durable Store backed by a shared PostgreSQL database, for
// deployments where several pipeline instances admit against one table.
type Postgres struct {
	DB *sql.DB
}

// NewPostgres opens the DSN, verifies connectivity, and ensures the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	s := &Postgres{DB: conn}
	if err := s.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS events (
		idempotency_key TEXT PRIMARY KEY,
		event_id        TEXT NOT NULL UNIQUE,
		event_type      TEXT NOT NULL,
		source          TEXT NOT NULL,
		ts              TEXT NOT NULL,
		actor           TEXT,
		payload_json    TEXT NOT NULL DEFAULT '{}',
		metadata_json   TEXT NOT NULL DEFAULT '{}'
	)`)
	if err != nil {
		return fmt.Errorf("ensure events table: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) (domain.Event, error) {
	return scanEvent(s.DB.QueryRowContext(ctx,
		`SELECT event_id,event_type,source,ts,COALESCE(actor,'') AS actor,payload_json,metadata_json FROM events WHERE idempotency_key=$1`, key))
}

func (s *Postgres) Put(ctx context.Context, key string, event domain.Event) (domain.Event, bool, error) {
	payload, metadata, err := encodeMaps(event)
	if err != nil {
		return domain.Event{}, false, err
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO events(idempotency_key,event_id,event_type,source,ts,actor,payload_json,metadata_json) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (idempotency_key) DO NOTHING`,
		key, event.EventID, event.EventType, event.Source, event.Timestamp, nullable(event.Actor), payload, metadata)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("insert event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Event{}, false, err
	}
	if affected == 0 {
		existing, err := s.Get(ctx, key)
		if err != nil {
			return domain.Event{}, false, fmt.Errorf("read winning event: %w", err)
		}
		return existing, false, nil
	}
	return event, true, nil
}

func (s *Postgres) Close() error {
	return s.DB.Close()
}
