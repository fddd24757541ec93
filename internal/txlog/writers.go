package txlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"eftpos-bridge/internal/core"
	"eftpos-bridge/internal/providers"

	"github.com/jonboulle/clockwork"
)

// KeyPrefix namespaces log entries inside the shared KV store. The store
// may evict this prefix under size pressure.
const KeyPrefix = "txlog_"

// TTLStore is the part of core.KVStore the KV writer needs.
type TTLStore interface {
	SetWithTTL(key string, value []byte, ttl time.Duration) error
}

// KVWriter stores entries locally and lets the store expire them at Expiry.
type KVWriter struct {
	store TTLStore
	clock clockwork.Clock
}

func NewKVWriter(store TTLStore, clock clockwork.Clock) *KVWriter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &KVWriter{store: store, clock: clock}
}

func (w *KVWriter) Write(_ context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	ttl := e.Expiry.Sub(w.clock.Now())
	if ttl <= 0 {
		return nil
	}
	key := KeyPrefix + e.Timestamp.UTC().Format("20060102T150405.000000000") + "_" + e.ID
	return w.store.SetWithTTL(key, raw, ttl)
}

// FileWriter appends entries as JSON lines through an hourly rotating
// audit file.
type FileWriter struct {
	audit *core.AuditLogger
}

func NewFileWriter(audit *core.AuditLogger) *FileWriter {
	return &FileWriter{audit: audit}
}

func (w *FileWriter) Write(_ context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	return w.audit.Append(raw)
}

// HTTPWriter posts entries to a remote collector.
type HTTPWriter struct {
	url    string
	token  string
	client *providers.HTTPClient
}

// NewHTTPWriter posts to url. A non-empty token is sent as a bearer token.
func NewHTTPWriter(url, token string, client *http.Client, clock clockwork.Clock) *HTTPWriter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HTTPWriter{
		url:    url,
		token:  token,
		client: providers.NewHTTPClient(client, 5, clock),
	}
}

func (w *HTTPWriter) Write(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	if _, _, err := w.client.Do(req); err != nil {
		return fmt.Errorf("log collector: %w", err)
	}
	return nil
}
