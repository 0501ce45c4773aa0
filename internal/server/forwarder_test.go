package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"ctrlplane/internal/audit"
	"ctrlplane/internal/config"
	"ctrlplane/internal/db"
	"ctrlplane/internal/migrate"
)

func newTestForwarder(t *testing.T, sinks []config.SinkConfig) (*sinkForwarder, audit.Writer) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := audit.Writer{DB: conn}
	f := &sinkForwarder{
		audit:   w,
		sinks:   sinks,
		client:  &http.Client{Timeout: defaultSinkTimeout},
		cursors: make(map[int]int64),
	}
	return f, w
}

func appendRecords(t *testing.T, w audit.Writer, names ...string) {
	t.Helper()
	for _, name := range names {
		rec := audit.Record{EventName: name, Fields: map[string]any{"event_id": "evt-" + name}}
		if err := w.Append(context.Background(), rec); err != nil {
			t.Fatalf("append %s: %v", name, err)
		}
	}
}

func TestDispatchDeliversInOrder(t *testing.T) {
	var got []string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec audit.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		if r.Header.Get("X-Ctrlplane-Event") != rec.EventName {
			t.Errorf("event header %q does not match body %q", r.Header.Get("X-Ctrlplane-Event"), rec.EventName)
		}
		got = append(got, rec.EventName)
	}))
	defer sink.Close()

	f, w := newTestForwarder(t, []config.SinkConfig{{URL: sink.URL}})
	// Force the cursor to the start; new sinks normally begin at the tail.
	f.setCursor(0, 0)
	appendRecords(t, w, audit.IngestCreated, audit.DecisionCreated, audit.ActionExecuted)

	f.dispatchAll()

	want := []string{audit.IngestCreated, audit.DecisionCreated, audit.ActionExecuted}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("deliveries %v, want %v", got, want)
	}

	// Already-delivered records are not re-sent.
	got = nil
	f.dispatchAll()
	if len(got) != 0 {
		t.Fatalf("expected no re-deliveries, got %v", got)
	}
}

func TestDispatchFiltersEventNames(t *testing.T) {
	var got []string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("X-Ctrlplane-Event"))
	}))
	defer sink.Close()

	f, w := newTestForwarder(t, []config.SinkConfig{{URL: sink.URL, Events: []string{audit.ActionFailed}}})
	f.setCursor(0, 0)
	appendRecords(t, w, audit.IngestCreated, audit.ActionFailed, audit.ActionExecuted)

	f.dispatchAll()

	if len(got) != 1 || got[0] != audit.ActionFailed {
		t.Fatalf("expected only action_failed, got %v", got)
	}
	// Skipped records still advance the cursor.
	if cur := f.cursorFor(0); cur != 3 {
		t.Fatalf("cursor at %d, want 3", cur)
	}
}

func TestDispatchStopsOnFailureAndRetries(t *testing.T) {
	var calls int
	failing := true
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if failing {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}
	}))
	defer sink.Close()

	f, w := newTestForwarder(t, []config.SinkConfig{{URL: sink.URL}})
	f.setCursor(0, 0)
	appendRecords(t, w, audit.IngestCreated, audit.DecisionCreated)

	f.dispatchAll()
	if calls != 1 {
		t.Fatalf("a failed delivery must stop the batch, got %d calls", calls)
	}
	if cur := f.cursorFor(0); cur != 0 {
		t.Fatalf("cursor must not advance past a failure, at %d", cur)
	}

	failing = false
	f.dispatchAll()
	if calls != 3 {
		t.Fatalf("expected both records retried after recovery, got %d calls", calls)
	}
	if cur := f.cursorFor(0); cur != 2 {
		t.Fatalf("cursor at %d, want 2", cur)
	}
}

func TestDispatchSignsDeliveries(t *testing.T) {
	const secret = "sink-secret"
	var token string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}))
	defer sink.Close()

	f, w := newTestForwarder(t, []config.SinkConfig{{URL: sink.URL, Secret: secret}})
	f.setCursor(0, 0)
	appendRecords(t, w, audit.IngestCreated)

	f.dispatchAll()

	if token == "" {
		t.Fatalf("expected a bearer token on the delivery")
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(tk *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	if claims.Issuer != "ctrlplane" {
		t.Fatalf("issuer %q", claims.Issuer)
	}
	if claims.Subject != "delivery-1" {
		t.Fatalf("subject %q", claims.Subject)
	}
}

func TestDisabledSinkSkipped(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("disabled sink must not receive deliveries")
	}))
	defer sink.Close()

	disabled := false
	f, w := newTestForwarder(t, []config.SinkConfig{{URL: sink.URL, Enabled: &disabled}})
	appendRecords(t, w, audit.IngestCreated)

	f.dispatchAll()
}
