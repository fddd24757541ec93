package txlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eftpos-bridge/internal/core"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var start = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingWriter struct {
	mu      sync.Mutex
	entries []Entry
	fail    func(Entry) error
}

func (w *recordingWriter) Write(_ context.Context, e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		if err := w.fail(e); err != nil {
			return err
		}
	}
	w.entries = append(w.entries, e)
	return nil
}

func (w *recordingWriter) all() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.entries...)
}

func TestSink_FillsDefaults(t *testing.T) {
	w := &recordingWriter{}
	s := NewSink(w, Config{RestaurantID: "r-42", Retention: time.Hour}, clockwork.NewFakeClockAt(start), zap.NewNop().Sugar())

	s.Log(Entry{Provider: "verifone", Amount: 500, Type: "purchase"})
	assert.Equal(t, 1, s.Flush(context.Background()))

	got := w.all()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, start, got[0].Timestamp)
	assert.Equal(t, start.Add(time.Hour), got[0].Expiry)
	assert.Equal(t, "r-42", got[0].RestaurantID)
}

func TestSink_LogNeverBlocks(t *testing.T) {
	w := &recordingWriter{}
	s := NewSink(w, Config{QueueSize: 2}, clockwork.NewFakeClockAt(start), zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			s.Log(Entry{Provider: "smartpay", Amount: int64(i + 1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full queue")
	}

	assert.Equal(t, int64(3), s.Stats()["dropped"])
	assert.Equal(t, 2, s.Flush(context.Background()))
}

func TestSink_SwallowsWriterFailures(t *testing.T) {
	w := &recordingWriter{fail: func(e Entry) error {
		switch e.Amount {
		case 1:
			return errors.New("disk full")
		case 2:
			panic("writer bug")
		}
		return nil
	}}
	s := NewSink(w, Config{}, clockwork.NewFakeClockAt(start), zap.NewNop().Sugar())

	for i := 1; i <= 3; i++ {
		s.Log(Entry{Provider: "windcave", Amount: int64(i)})
	}
	assert.NotPanics(t, func() { s.Flush(context.Background()) })

	got := w.all()
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Amount)
	assert.Equal(t, int64(2), s.Stats()["failed"])
	assert.Equal(t, int64(1), s.Stats()["written"])
}

func TestSink_RunFlushesOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("go.opencensus.io/stats/view.(*worker).start"))

	w := &recordingWriter{}
	clock := clockwork.NewFakeClockAt(start)
	s := NewSink(w, Config{}, clock, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	s.Log(Entry{Provider: "tyro", Amount: 100})
	assert.Empty(t, w.all(), "nothing is written before the first tick")

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(w.all()) == 1 }, time.Second, 5*time.Millisecond)

	s.Log(Entry{Provider: "tyro", Amount: 200})
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sink did not stop")
	}
	assert.Len(t, w.all(), 2, "pending entries are drained on shutdown")
}

func TestKVWriter(t *testing.T) {
	store, err := core.NewInMemoryKVStore(zap.NewNop().Sugar())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	clock := clockwork.NewFakeClockAt(start)
	w := NewKVWriter(store, clock)

	require.NoError(t, w.Write(context.Background(), Entry{ID: "a", Provider: "verifone", Timestamp: start, Expiry: start.Add(time.Hour)}))
	require.NoError(t, w.Write(context.Background(), Entry{ID: "old", Provider: "verifone", Timestamp: start, Expiry: start.Add(-time.Minute)}))

	items, err := store.List(KeyPrefix)
	require.NoError(t, err)
	require.Len(t, items, 1, "already expired entries are not stored")

	var e Entry
	require.NoError(t, json.Unmarshal(items[0].Value, &e))
	assert.Equal(t, "a", e.ID)
}

func TestFileWriter(t *testing.T) {
	dir := t.TempDir()
	audit, err := core.NewAuditLogger(dir, "txlog", 10, zap.NewNop().Sugar())
	require.NoError(t, err)
	w := NewFileWriter(audit)

	require.NoError(t, w.Write(context.Background(), Entry{ID: "1", Provider: "smartpay", Amount: 500}))
	require.NoError(t, w.Write(context.Background(), Entry{ID: "2", Provider: "smartpay", Amount: 700}))

	files, err := filepath.Glob(filepath.Join(dir, "txlog_*.jsonl"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var ids []string
	for _, name := range files {
		f, err := os.Open(name)
		require.NoError(t, err)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var e Entry
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
			ids = append(ids, e.ID)
		}
		_ = f.Close()
	}
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestHTTPWriter(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Entry
		auth     string
	)
	router := gin.New()
	router.POST("/logs", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		var e Entry
		if err := json.Unmarshal(body, &e); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, e)
		auth = c.GetHeader("Authorization")
		mu.Unlock()
		c.Status(http.StatusAccepted)
	})
	router.POST("/broken", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	w := NewHTTPWriter(srv.URL+"/logs", "secret", srv.Client(), nil)
	require.NoError(t, w.Write(context.Background(), Entry{ID: "x", Provider: "windcave", Amount: 900}))

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, "x", received[0].ID)
	assert.Equal(t, "Bearer secret", auth)
	mu.Unlock()

	broken := NewHTTPWriter(srv.URL+"/broken", "", srv.Client(), nil)
	assert.Error(t, broken.Write(context.Background(), Entry{ID: "y"}))
}

func TestMultiWriter(t *testing.T) {
	a := &recordingWriter{}
	b := &recordingWriter{fail: func(Entry) error { return errors.New("b down") }}
	c := &recordingWriter{}

	err := MultiWriter{a, b, c}.Write(context.Background(), Entry{ID: "1"})
	assert.EqualError(t, err, "b down")
	assert.Len(t, a.all(), 1)
	assert.Len(t, c.all(), 1, "a failing writer does not stop the others")

	assert.NoError(t, MultiWriter{a, c}.Write(context.Background(), Entry{ID: "2"}))
}
