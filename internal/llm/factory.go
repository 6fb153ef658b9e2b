package llm

import (
	"fmt"
	"sort"
	"sync"
)

type Factory func(p Params) (Provider, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register installs a factory for a provider type. Adapters call this
// from init; a duplicate registration is a programming error.
func Register(providerType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[providerType]; exists {
		panic(fmt.Sprintf("provider factory %s already registered", providerType))
	}
	factories[providerType] = f
}

// Get looks up the factory for a provider type.
func Get(providerType string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[providerType]
	if !ok {
		return nil, fmt.Errorf("provider factory not found for type: %s", providerType)
	}
	return f, nil
}

// Registered lists the provider types with an installed factory, sorted.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds an adapter for the provider type with the given params.
func Create(providerType string, p Params) (Provider, error) {
	f, err := Get(providerType)
	if err != nil {
		return nil, err
	}
	return f(p)
}
