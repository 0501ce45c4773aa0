package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ctrlplane/internal/audit"
	"ctrlplane/internal/config"
)

const (
	defaultSinkInterval = 2 * time.Second
	defaultSinkTimeout  = 5 * time.Second
	defaultSinkBatch    = 100
)

// sinkForwarder streams audit records to configured downstream sinks. Each
// sink keeps its own cursor into the append-only trail; a failed delivery
// stops that sink's batch and is retried on the next tick, so records reach a
// sink in order and at least once.
type sinkForwarder struct {
	audit   audit.Writer
	sinks   []config.SinkConfig
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// StartForwarder launches the background dispatcher. It returns immediately;
// a nil return means nothing was configured.
func StartForwarder(w audit.Writer, sinks []config.SinkConfig) {
	if w.DB == nil || len(sinks) == 0 {
		return
	}
	f := &sinkForwarder{
		audit:   w,
		sinks:   sinks,
		client:  &http.Client{Timeout: defaultSinkTimeout},
		cursors: make(map[int]int64),
	}
	go f.run()
}

func (f *sinkForwarder) run() {
	ticker := time.NewTicker(defaultSinkInterval)
	defer ticker.Stop()
	for {
		f.dispatchAll()
		<-ticker.C
	}
}

func (f *sinkForwarder) dispatchAll() {
	for i, sink := range f.sinks {
		if sink.Enabled != nil && !*sink.Enabled {
			continue
		}
		if strings.TrimSpace(sink.URL) == "" {
			continue
		}
		f.dispatchSink(i, sink)
	}
}

func (f *sinkForwarder) dispatchSink(idx int, sink config.SinkConfig) {
	ctx := context.Background()
	cursor := f.cursorFor(idx)
	records, err := f.audit.After(ctx, defaultSinkBatch, cursor)
	if err != nil {
		log.Printf("sink: fetch audit records failed: %v", err)
		return
	}
	filter := newNameFilter(sink.Events)
	for _, rec := range records {
		if !filter.match(rec.EventName) {
			f.setCursor(idx, rec.ID)
			continue
		}
		if err := f.post(ctx, sink, rec); err != nil {
			log.Printf("sink: deliver to %s failed: %v", sink.URL, err)
			return
		}
		f.setCursor(idx, rec.ID)
	}
}

// cursorFor starts new sinks at the current tail so they only see records
// appended after they were configured.
func (f *sinkForwarder) cursorFor(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	cur, err := f.audit.LatestID(context.Background())
	if err != nil {
		log.Printf("sink: init cursor failed: %v", err)
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *sinkForwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

func (f *sinkForwarder) post(ctx context.Context, sink config.SinkConfig, rec audit.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	timeout := defaultSinkTimeout
	if sink.TimeoutSeconds > 0 {
		timeout = time.Duration(sink.TimeoutSeconds) * time.Second
	}
	client := f.client
	if timeout != f.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ctrlplane-Event", rec.EventName)
	req.Header.Set("X-Ctrlplane-Delivery", fmt.Sprintf("%d", rec.ID))
	if strings.TrimSpace(sink.Secret) != "" {
		token, err := deliveryToken(sink.Secret, rec.ID)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// deliveryToken signs a short-lived HS256 token so sinks can verify the
// delivery came from this pipeline.
func deliveryToken(secret string, deliveryID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "ctrlplane",
		Subject:   fmt.Sprintf("delivery-%d", deliveryID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type nameFilter struct {
	all bool
	set map[string]struct{}
}

func newNameFilter(names []string) nameFilter {
	if len(names) == 0 {
		return nameFilter{all: true}
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.TrimSpace(name)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return nameFilter{all: true}
	}
	return nameFilter{set: set}
}

func (f nameFilter) match(name string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[name]
	return ok
}
