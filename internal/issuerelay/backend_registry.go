package issuerelay

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)
type ActivityQueueFactory func(dsn string, capacity int) (ActivityQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	stateFactories map[string]StateBackendFactory
	queueFactories map[string]ActivityQueueFactory
}{
	stateFactories: map[string]StateBackendFactory{},
	queueFactories: map[string]ActivityQueueFactory{},
}

// RegisterStateBackendFactory lets embedders plug additional snapshot
// backends in by DSN scheme. Registered schemes shadow the built-ins.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.stateFactories[scheme] = factory
}

func RegisterActivityQueueFactory(scheme string, factory ActivityQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.stateFactories[scheme]
	return factory, ok
}

func lookupActivityQueueFactory(scheme string) (ActivityQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
