package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// ErrKeyNotFound is returned by Get and Delete for missing keys.
var ErrKeyNotFound = errors.New("key not found")

// KV is a single key/value pair returned by List.
type KV struct {
	Key   string
	Value []byte
}

// KVStore is the local durable store shared by the unresolved ledger and the
// transaction log. Ledger keys are never evicted; only prefixes registered
// with SetEvictable are trimmed when the database grows too large.
type KVStore struct {
	db        *badger.DB
	maxSize   int64
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.SugaredLogger
	evictable []string
	inMemory  bool
}

// NewKVStore opens (or creates) a badger database in dir.
func NewKVStore(dir string, maxSizeMB int, logger *zap.SugaredLogger) (*KVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	// A previous process killed mid-write leaves its LOCK behind
	if err := cleanupStaleLock(dir, logger); err != nil {
		logger.Warnf("Failed to cleanup potential stale lock: %v", err)
	}

	opts := badger.DefaultOptions(dir).
		WithValueLogFileSize(1 << 20).
		WithMemTableSize(8 << 20).
		WithNumMemtables(2).
		WithNumCompactors(2).
		WithSyncWrites(true). // ledger records must survive a power cut
		WithBlockCacheSize(16 << 20).
		WithLogger(nil)

	return openKVStore(opts, int64(maxSizeMB)<<20, logger, false)
}

// NewInMemoryKVStore returns a store that lives only as long as the process.
func NewInMemoryKVStore(logger *zap.SugaredLogger) (*KVStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return openKVStore(opts, 64<<20, logger, true)
}

func openKVStore(opts badger.Options, maxSize int64, logger *zap.SugaredLogger, inMemory bool) (*KVStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store := &KVStore{
		db:       db,
		maxSize:  maxSize,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		inMemory: inMemory,
	}

	go store.maintenanceWorker()

	return store, nil
}

// SetEvictable marks key prefixes that may be dropped under size pressure.
func (s *KVStore) SetEvictable(prefixes ...string) {
	s.evictable = append([]string(nil), prefixes...)
}

func (s *KVStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *KVStore) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// SetWithTTL stores value and lets badger expire it after ttl.
func (s *KVStore) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Set(key, value)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
}

// List returns every pair under prefix in key order.
func (s *KVStore) List(prefix string) ([]KV, error) {
	var out []KV
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, KV{Key: string(item.KeyCopy(nil)), Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DropPrefix removes every key under prefix.
func (s *KVStore) DropPrefix(prefix string) error {
	return s.db.DropPrefix([]byte(prefix))
}

func (s *KVStore) maintenanceWorker() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

func (s *KVStore) runMaintenance() {
	s.cleanupBySize()

	if s.inMemory {
		return
	}
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		s.logger.Errorf("Store value log GC failed: %v", err)
	}
}

func (s *KVStore) cleanupBySize() {
	currentSize := s.getApproximateSize()

	if currentSize > s.maxSize*70/100 && currentSize < s.maxSize*80/100 {
		s.logger.Warnf("Store at 70%% capacity (%d MB / %d MB)", currentSize>>20, s.maxSize>>20)
	}

	if currentSize < s.maxSize*80/100 || len(s.evictable) == 0 {
		return
	}

	s.logger.Errorf("Store at 80%% capacity - dropping oldest log entries (%d MB / %d MB)", currentSize>>20, s.maxSize>>20)
	targetSize := s.maxSize * 60 / 100
	var keysToDelete [][]byte

	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, prefix := range s.evictable {
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				if s.getApproximateSize() <= targetSize {
					return nil
				}
				keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
			}
		}
		return nil
	}); err != nil {
		s.logger.Errorf("Size cleanup scan failed: %v", err)
		return
	}

	if len(keysToDelete) == 0 {
		return
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				s.logger.Errorf("Failed to delete key %s: %v", key, err)
			}
		}
		return nil
	}); err != nil {
		s.logger.Errorf("Size cleanup delete failed: %v", err)
	} else {
		s.logger.Infof("Size cleanup: deleted %d oldest entries", len(keysToDelete))
	}
}

func (s *KVStore) getApproximateSize() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog
}

// Stats returns sizes for the support endpoints.
func (s *KVStore) Stats() map[string]interface{} {
	lsm, vlog := s.db.Size()
	return map[string]interface{}{
		"lsm_bytes":  lsm,
		"vlog_bytes": vlog,
		"max_bytes":  s.maxSize,
		"in_memory":  s.inMemory,
		"evictable":  strings.Join(s.evictable, ","),
	}
}

func (s *KVStore) Close() error {
	s.cancel()
	return s.db.Close()
}

// cleanupStaleLock removes the badger LOCK file left by a crashed process.
// Only one bridge runs per register, so a LOCK at startup is always stale.
func cleanupStaleLock(dir string, logger *zap.SugaredLogger) error {
	lockFile := filepath.Join(dir, "LOCK")

	if _, err := os.Stat(lockFile); os.IsNotExist(err) {
		return nil
	}

	logger.Infof("Found potential stale lock file, attempting cleanup: %s", lockFile)

	if err := os.Remove(lockFile); err != nil {
		return fmt.Errorf("failed to remove stale lock file: %w", err)
	}

	logger.Infof("Successfully removed stale lock file: %s", lockFile)
	return nil
}
