package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/ledger"
	"eftpos-bridge/internal/providers"
	"eftpos-bridge/internal/settings"

	"go.uber.org/zap"
)

// ProviderManager owns the active provider instance and rebuilds it when
// the provider configuration changes.
type ProviderManager struct {
	mu        sync.RWMutex
	logger    *zap.SugaredLogger
	deps      providers.Deps
	active    providers.Provider
	activeCfg *settings.ProviderConfig
}

func NewProviderManager(deps providers.Deps) *ProviderManager {
	deps = deps.WithDefaults()
	return &ProviderManager{
		logger: deps.Logger.Named("providers"),
		deps:   deps,
	}
}

// Build constructs a provider from cfg without activating it.
func (pm *ProviderManager) Build(cfg settings.ProviderConfig) (providers.Provider, error) {
	newFunc, err := providers.Get(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eftpos.ErrValidation, err)
	}
	deps := pm.deps
	deps.SkipSignature = cfg.SkipSignature

	raw := cfg.Settings
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	p, err := newFunc(deps, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eftpos.ErrValidation, err)
	}
	return p, nil
}

// Validate reports whether cfg would build a provider. It is installed as
// the settings manager validator.
func (pm *ProviderManager) Validate(cfg settings.ProviderConfig) error {
	_, err := pm.Build(cfg)
	return err
}

// HandleConfigChange activates cfg. The provider is only rebuilt when the
// configuration actually differs; nil deactivates.
func (pm *ProviderManager) HandleConfigChange(cfg *settings.ProviderConfig) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.shouldRestartProvider(cfg) {
		return nil
	}
	pm.stopCurrentProvider()
	if cfg == nil {
		return nil
	}
	return pm.startNewProvider(cfg)
}

func (pm *ProviderManager) shouldRestartProvider(cfg *settings.ProviderConfig) bool {
	if pm.active == nil {
		if cfg == nil {
			return false
		}
		pm.logger.Infof("No active provider - starting %s", cfg.Provider)
		return true
	}
	if cfg == nil {
		pm.logger.Info("No provider configuration - stopping current provider")
		return true
	}
	if pm.activeCfg.Equal(cfg) {
		pm.logger.Debugf("Provider %s already active - no restart needed", cfg.Provider)
		return false
	}
	pm.logger.Infof("Provider configuration changed - switching %s to %s", pm.active.Name(), cfg.Provider)
	return true
}

// stopCurrentProvider drops the active instance. A transaction still running
// on it keeps its own reference and finishes normally.
func (pm *ProviderManager) stopCurrentProvider() {
	if pm.active == nil {
		return
	}
	pm.logger.Infof("Stopping current provider: %s", pm.active.Name())
	pm.active = nil
	pm.activeCfg = nil
}

func (pm *ProviderManager) startNewProvider(cfg *settings.ProviderConfig) error {
	p, err := pm.Build(*cfg)
	if err != nil {
		pm.logger.Errorf("Failed to create provider %s: %v", cfg.Provider, err)
		return err
	}
	cfgCopy := *cfg
	pm.active = p
	pm.activeCfg = &cfgCopy
	pm.logger.Infof("Provider %s active (skip_signature=%t)", p.Name(), cfg.SkipSignature)
	return nil
}

// Active returns the active provider, or nil when none is configured.
func (pm *ProviderManager) Active() providers.Provider {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.active
}

// ActiveName returns the active provider's name, or "".
func (pm *ProviderManager) ActiveName() string {
	if p := pm.Active(); p != nil {
		return p.Name()
	}
	return ""
}

// Status reports the active provider and, for HTTP providers, the state of
// the endpoint circuit breaker.
func (pm *ProviderManager) Status() map[string]interface{} {
	p := pm.Active()
	if p == nil {
		return map[string]interface{}{"active": false}
	}
	out := map[string]interface{}{"active": true, "name": p.Name()}
	if h, ok := p.(interface{ HTTP() *providers.HTTPClient }); ok {
		out["endpoint"] = h.HTTP().Health().GetStats()
	}
	return out
}

// Refetcher adapts Active for the reconciler.
func (pm *ProviderManager) Refetcher() ledger.Refetcher {
	p := pm.Active()
	if p == nil {
		return nil
	}
	return p
}

// Watch applies every settings change until ctx ends.
func (pm *ProviderManager) Watch(ctx context.Context, sm *settings.Manager) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sm.Changes():
			if err := pm.HandleConfigChange(sm.GetActiveProvider()); err != nil {
				pm.logger.Errorf("Failed to apply provider configuration: %v", err)
			}
		}
	}
}

func (pm *ProviderManager) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.stopCurrentProvider()
}
