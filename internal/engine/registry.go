// Package engine is the binding point for the poker rules engine. The
// core never implements poker rules; an engine build registers its
// factory here (in the manner of database/sql drivers) and the server
// resolves it by name at startup.
package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bobmcallan/felt/internal/interfaces"
)

var (
	mu        sync.RWMutex
	factories = make(map[string]interfaces.EngineFactory)
)

// Register makes an engine factory available under a name. Typically
// called from an engine package's init. Registering the same name twice
// panics, as does a nil factory.
func Register(name string, factory interfaces.EngineFactory) {
	mu.Lock()
	defer mu.Unlock()
	if factory == nil {
		panic("engine: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("engine: Register called twice for " + name)
	}
	factories[name] = factory
}

// New returns the registered factory for name.
func New(name string) (interfaces.EngineFactory, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine %q not registered (registered: %v)", name, Names())
	}
	return factory, nil
}

// Names lists the registered engines, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
