// Package ledger keeps transactions whose outcome at the terminal is unknown
// and resolves them later by refetching their status.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"eftpos-bridge/internal/core"
	"eftpos-bridge/internal/eftpos"

	"go.uber.org/zap"
)

// KeyPrefix namespaces ledger records inside a shared store.
const KeyPrefix = "unresolved_"

const (
	DefaultMaxAttemptsPerDay = 3
	DefaultMaxAttempts       = 10
)

// ErrRecordNotFound is returned by Get for unknown transaction ids.
var ErrRecordNotFound = errors.New("unresolved transaction not found")

// Record is one transaction waiting for reconciliation.
type Record struct {
	TransactionID   string                 `json:"transaction_id"`
	Provider        string                 `json:"provider"`
	Amount          int64                  `json:"amount"`
	Type            eftpos.TransactionType `json:"type"`
	Reference       string                 `json:"reference,omitempty"`
	Logs            []string               `json:"logs,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	LastRetryDate   string                 `json:"last_retry_date,omitempty"`
	RetryCountToday int                    `json:"retry_count_today"`
	TotalRetryCount int                    `json:"total_retry_count"`
	LastError       string                 `json:"last_error,omitempty"`
	// Abandoned records have used every attempt and wait for manual resolution.
	Abandoned bool `json:"abandoned"`
}

// Ledger stores Records by transaction id.
type Ledger struct {
	store     Store
	logger    *zap.SugaredLogger
	perDay    int
	lifetime  int
	mu        sync.Mutex
	location  *time.Location
	onAbandon func(Record)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCaps overrides the daily and lifetime attempt caps.
func WithCaps(perDay, lifetime int) Option {
	return func(l *Ledger) {
		if perDay > 0 {
			l.perDay = perDay
		}
		if lifetime > 0 {
			l.lifetime = lifetime
		}
	}
}

// WithLocation sets the time zone that decides calendar days.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.location = loc
		}
	}
}

// OnAbandon is called once when a record reaches the lifetime cap.
func OnAbandon(fn func(Record)) Option {
	return func(l *Ledger) { l.onAbandon = fn }
}

func New(store Store, logger *zap.SugaredLogger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		logger:   logger,
		perDay:   DefaultMaxAttemptsPerDay,
		lifetime: DefaultMaxAttempts,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func key(id string) string {
	return KeyPrefix + id
}

// Add stores rec. Adding an id that is already present keeps its attempt
// counters and appends the new logs.
func (l *Ledger) Add(rec Record) error {
	if rec.TransactionID == "" {
		return fmt.Errorf("%w: unresolved record without transaction id", eftpos.ErrValidation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := l.get(rec.TransactionID); err == nil {
		existing.Logs = append(existing.Logs, rec.Logs...)
		if rec.LastError != "" {
			existing.LastError = rec.LastError
		}
		rec = existing
	} else if !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := l.put(rec); err != nil {
		return err
	}
	l.logger.Warnf("Unresolved %s transaction %s recorded (%d cents)", rec.Provider, rec.TransactionID, rec.Amount)
	return nil
}

func (l *Ledger) Get(id string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(id)
}

func (l *Ledger) get(id string) (Record, error) {
	raw, err := l.store.Get(key(id))
	if errors.Is(err, core.ErrKeyNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read unresolved record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("corrupt unresolved record %s: %w", id, err)
	}
	return rec, nil
}

func (l *Ledger) put(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode unresolved record: %w", err)
	}
	return l.store.Set(key(rec.TransactionID), raw)
}

// List returns every record, oldest first. Corrupt entries are logged and
// skipped.
func (l *Ledger) List() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	items, err := l.store.List(KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved records: %w", err)
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			l.logger.Errorf("Skipping corrupt unresolved record %s: %v", item.Key, err)
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Remove deletes the record and reports whether this call removed it.
func (l *Ledger) Remove(id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.store.Delete(key(id))
	if errors.Is(err, core.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove unresolved record %s: %w", id, err)
	}
	l.logger.Infof("Unresolved transaction %s removed", id)
	return true, nil
}

func (l *Ledger) day(now time.Time) string {
	return now.In(l.location).Format("2006-01-02")
}

// Eligible reports whether rec may be refetched at now.
func (l *Ledger) Eligible(rec Record, now time.Time) bool {
	if rec.Abandoned || rec.TotalRetryCount >= l.lifetime {
		return false
	}
	if rec.LastRetryDate != l.day(now) {
		return true
	}
	return rec.RetryCountToday < l.perDay
}

// RecordAttempt counts a failed refetch of id made at now. The daily counter
// starts over when now falls on a different day than the previous attempt.
func (l *Ledger) RecordAttempt(id string, now time.Time, cause error) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return Record{}, err
	}
	today := l.day(now)
	if rec.LastRetryDate != today {
		rec.LastRetryDate = today
		rec.RetryCountToday = 0
	}
	rec.RetryCountToday++
	rec.TotalRetryCount++
	if cause != nil {
		rec.LastError = cause.Error()
	}

	abandoned := false
	if rec.TotalRetryCount >= l.lifetime && !rec.Abandoned {
		rec.Abandoned = true
		abandoned = true
	}
	if err := l.put(rec); err != nil {
		return Record{}, err
	}

	if abandoned {
		l.logger.Errorf("Unresolved transaction %s abandoned after %d attempts, needs manual reconciliation", id, rec.TotalRetryCount)
		if l.onAbandon != nil {
			l.onAbandon(rec)
		}
	}
	return rec, nil
}
