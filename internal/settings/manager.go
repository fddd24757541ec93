package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"eftpos-bridge/internal/core"
	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/providers"

	"go.uber.org/zap"
)

// StoreKey is where the active provider configuration is persisted.
const StoreKey = "settings_provider"

// ProviderConfig selects the terminal provider and carries its settings block.
type ProviderConfig struct {
	Provider      string          `json:"provider"`
	SkipSignature bool            `json:"skip_signature"`
	Settings      json.RawMessage `json:"settings,omitempty"`
}

// Equal reports whether two configurations would build the same provider.
func (c *ProviderConfig) Equal(other *ProviderConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Provider == other.Provider &&
		c.SkipSignature == other.SkipSignature &&
		bytes.Equal(compact(c.Settings), compact(other.Settings))
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// Store is the persistence the manager needs. *core.KVStore satisfies it.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Manager holds the active provider configuration and signals changes.
type Manager struct {
	sync.RWMutex
	logger         *zap.SugaredLogger
	store          Store
	active         *ProviderConfig
	changeChan     chan struct{}
	updateCallback func(cfg *ProviderConfig)
	validate       func(cfg ProviderConfig) error
}

// NewManager creates a configuration manager. store may be nil, in which
// case changes only live in memory.
func NewManager(logger *zap.SugaredLogger, store Store) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		logger:     logger.Named("settings"),
		store:      store,
		changeChan: make(chan struct{}, 1),
		validate:   registered,
	}
}

func registered(cfg ProviderConfig) error {
	if _, err := providers.Get(cfg.Provider); err != nil {
		return fmt.Errorf("%w: %v", eftpos.ErrValidation, err)
	}
	return nil
}

// SetValidator replaces the check run before a configuration is accepted.
// The default only requires a registered provider name.
func (m *Manager) SetValidator(fn func(cfg ProviderConfig) error) {
	m.Lock()
	defer m.Unlock()
	if fn == nil {
		fn = registered
	}
	m.validate = fn
}

// Load restores the persisted configuration, if any. It reports whether one
// was found.
func (m *Manager) Load() (bool, error) {
	if m.store == nil {
		return false, nil
	}
	raw, err := m.store.Get(StoreKey)
	if errors.Is(err, core.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read provider settings: %w", err)
	}
	var cfg ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return false, fmt.Errorf("corrupt provider settings: %w", err)
	}

	m.Lock()
	m.active = &cfg
	m.Unlock()

	m.logger.Infof("Restored %s provider configuration", cfg.Provider)
	m.notifyChange()
	return true, nil
}

// UpdateSettings parses a JSON ProviderConfig and makes it active. An empty
// provider name deactivates the current provider.
func (m *Manager) UpdateSettings(payload []byte) error {
	var cfg ProviderConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return fmt.Errorf("%w: could not unmarshal provider payload: %v", eftpos.ErrValidation, err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		return m.Activate(nil)
	}
	return m.Activate(&cfg)
}

// Activate replaces the active configuration. nil deactivates.
func (m *Manager) Activate(cfg *ProviderConfig) error {
	m.Lock()
	defer m.Unlock()

	if cfg != nil {
		if len(cfg.Settings) > 0 && !json.Valid(cfg.Settings) {
			return fmt.Errorf("%w: provider settings are not valid JSON", eftpos.ErrValidation)
		}
		if err := m.validate(*cfg); err != nil {
			return err
		}
	}
	if m.active.Equal(cfg) {
		m.logger.Debugf("Provider configuration unchanged")
		return nil
	}

	if err := m.persist(cfg); err != nil {
		return err
	}

	if cfg == nil {
		m.logger.Infof("Deactivating provider configuration")
		m.active = nil
	} else {
		m.logger.Infof("Activating %s provider configuration", cfg.Provider)
		cfgCopy := *cfg
		m.active = &cfgCopy
	}

	if m.updateCallback != nil {
		m.updateCallback(m.activeCopy())
	}
	m.notifyChange()
	return nil
}

func (m *Manager) persist(cfg *ProviderConfig) error {
	if m.store == nil {
		return nil
	}
	if cfg == nil {
		if err := m.store.Delete(StoreKey); err != nil && !errors.Is(err, core.ErrKeyNotFound) {
			return fmt.Errorf("failed to clear provider settings: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode provider settings: %w", err)
	}
	if err := m.store.Set(StoreKey, raw); err != nil {
		return fmt.Errorf("failed to save provider settings: %w", err)
	}
	return nil
}

// GetActiveProvider returns a copy of the active configuration, or nil.
func (m *Manager) GetActiveProvider() *ProviderConfig {
	m.RLock()
	defer m.RUnlock()
	return m.activeCopy()
}

func (m *Manager) activeCopy() *ProviderConfig {
	if m.active == nil {
		return nil
	}
	cfgCopy := *m.active
	cfgCopy.Settings = append(json.RawMessage(nil), m.active.Settings...)
	return &cfgCopy
}

// Changes returns a channel that signals when settings have been updated.
func (m *Manager) Changes() <-chan struct{} {
	return m.changeChan
}

// SetUpdateCallback sets the function called with every new configuration.
func (m *Manager) SetUpdateCallback(callback func(cfg *ProviderConfig)) {
	m.Lock()
	defer m.Unlock()
	m.updateCallback = callback
}

func (m *Manager) notifyChange() {
	select {
	case m.changeChan <- struct{}{}:
	default:
	}
}
