package providers

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu       sync.RWMutex
	providerRegistry = make(map[string]NewFunc)
)

// Register adds a provider constructor to the registry.
// This is typically called from the provider package's init() function.
func Register(name string, newFunc NewFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := providerRegistry[name]; exists {
		return
	}
	providerRegistry[name] = newFunc
}

// Get returns the constructor registered under name.
func Get(name string) (NewFunc, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	newFunc, exists := providerRegistry[name]
	if !exists || newFunc == nil {
		return nil, fmt.Errorf("no provider registered with name: %s", name)
	}
	return newFunc, nil
}

// Names lists registered providers in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
