// Package txlog records every transaction attempt without ever slowing a
// payment down. Entries go to an in-memory queue and a background flusher
// hands them to a Writer.
package txlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"eftpos-bridge/internal/metrics"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Entry is one transaction log document.
type Entry struct {
	ID            string          `json:"id"`
	Provider      string          `json:"provider"`
	Amount        int64           `json:"amount"`
	Type          string          `json:"type"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Outcome       string          `json:"outcome,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RestaurantID  string          `json:"restaurant_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	// Expiry tells the storage layer when the entry may be collected.
	Expiry time.Time `json:"expiry"`
}

// Writer persists one entry.
type Writer interface {
	Write(ctx context.Context, e Entry) error
}

// Config tunes the sink.
type Config struct {
	QueueSize     int
	FlushInterval time.Duration
	Retention     time.Duration
	WriteTimeout  time.Duration
	RestaurantID  string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Sink queues entries and flushes them on a fixed interval.
type Sink struct {
	cfg     Config
	writer  Writer
	queue   chan Entry
	clock   clockwork.Clock
	logger  *zap.SugaredLogger
	metrics metrics.Payments

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
}

func NewSink(w Writer, cfg Config, clock clockwork.Clock, logger *zap.SugaredLogger) *Sink {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sink{
		cfg:     cfg,
		writer:  w,
		queue:   make(chan Entry, cfg.QueueSize),
		clock:   clock,
		logger:  logger,
		metrics: metrics.NoOp{},
	}
}

func (s *Sink) SetMetrics(m metrics.Payments) {
	if m != nil {
		s.metrics = m
	}
}

// Log enqueues e and returns immediately. When the queue is full the entry
// is dropped.
func (s *Sink) Log(e Entry) {
	now := s.clock.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Expiry.IsZero() {
		e.Expiry = e.Timestamp.Add(s.cfg.Retention)
	}
	if e.RestaurantID == "" {
		e.RestaurantID = s.cfg.RestaurantID
	}

	select {
	case s.queue <- e:
	default:
		n := s.dropped.Add(1)
		s.metrics.RecordLogDropped(context.Background())
		s.logger.Warnf("Transaction log queue full, dropped entry %s (%d dropped so far)", e.ID, n)
	}
}

// Run flushes the queue every FlushInterval until ctx ends, then drains
// whatever is left.
func (s *Sink) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			n := s.Flush(drainCtx)
			cancel()
			if n > 0 {
				s.logger.Infof("Flushed %d transaction log entries on shutdown", n)
			}
			return nil
		case <-ticker.Chan():
			s.Flush(ctx)
		}
	}
}

// Flush writes every queued entry and returns how many were taken off the
// queue. Write errors are logged and swallowed.
func (s *Sink) Flush(ctx context.Context) int {
	n := 0
	for {
		select {
		case e := <-s.queue:
			n++
			s.write(ctx, e)
		default:
			return n
		}
	}
}

func (s *Sink) write(ctx context.Context, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.logger.Errorf("Transaction log writer panicked on %s: %v", e.ID, r)
		}
	}()

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.writer.Write(wctx, e); err != nil {
		s.failed.Add(1)
		s.logger.Warnf("Failed to write transaction log entry %s: %v", e.ID, err)
		return
	}
	s.written.Add(1)
}

// Stats reports queue depth and counters.
func (s *Sink) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queued":  len(s.queue),
		"written": s.written.Load(),
		"failed":  s.failed.Load(),
		"dropped": s.dropped.Load(),
	}
}

// MultiWriter writes every entry to each writer and joins their errors.
type MultiWriter []Writer

func (m MultiWriter) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
