package migrate_test

import (
	"testing"

	"ctrlplane/internal/db"
	"ctrlplane/internal/migrate"
)

func TestMigrateRecordsEachVersion(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	versions, err := migrate.Applied(conn)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(versions) == 0 || versions[0] != 1 {
		t.Fatalf("expected version 1 recorded, got %v", versions)
	}

	// Re-running is a no-op: nothing re-applies, nothing is re-recorded.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	again, err := migrate.Applied(conn)
	if err != nil {
		t.Fatalf("applied after rerun: %v", err)
	}
	if len(again) != len(versions) {
		t.Fatalf("rerun changed the record: %v vs %v", again, versions)
	}

	// The migrated schema is usable.
	if _, err := conn.Exec(`INSERT INTO events(idempotency_key,event_id,event_type,source,ts) VALUES ('k','e','t','s','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert into events: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO audit_log(ts,event_name,fields_json) VALUES ('2024-01-01T00:00:00Z','ingest_created','{}')`); err != nil {
		t.Fatalf("insert into audit_log: %v", err)
	}
}
