package enrollgate

import (
	"strings"
	"sync"
)

type CounterStoreFactory func(dsn string, defaultLimit int) (CounterStore, error)

var counterFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CounterStoreFactory
}{
	factories: map[string]CounterStoreFactory{},
}

// RegisterCounterStoreFactory installs a custom backend for a DSN
// scheme. Registered factories shadow the built-in schemes.
func RegisterCounterStoreFactory(scheme string, factory CounterStoreFactory) {
	scheme = normalizeCounterScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	counterFactoryRegistry.mu.Lock()
	defer counterFactoryRegistry.mu.Unlock()
	counterFactoryRegistry.factories[scheme] = factory
}

func lookupCounterStoreFactory(scheme string) (CounterStoreFactory, bool) {
	scheme = normalizeCounterScheme(scheme)
	counterFactoryRegistry.mu.RLock()
	defer counterFactoryRegistry.mu.RUnlock()
	factory, ok := counterFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeCounterScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
