package ledger

import (
	"sort"
	"strings"
	"sync"

	"eftpos-bridge/internal/core"
)

// Store is the key/value persistence behind the ledger. *core.KVStore
// implements it; Get and Delete return core.ErrKeyNotFound for missing keys.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	List(prefix string) ([]core.KV, error)
}

// MemoryStore is a Store that forgets everything on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return core.ErrKeyNotFound
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(prefix string) ([]core.KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.KV
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, core.KV{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
