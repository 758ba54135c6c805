package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Providers maps driver identifiers, as named in configuration, to factories.
//
// Thread-safety: Providers is safe for concurrent use.
type Providers struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewProviders creates an empty provider table.
func NewProviders() *Providers {
	return &Providers{factories: make(map[string]Factory)}
}

// Register binds name to factory. Registering the same name twice is an error.
func (p *Providers) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("register provider: name is required")
	}
	if factory == nil {
		return fmt.Errorf("register provider %q: factory is nil", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.factories[name]; exists {
		return fmt.Errorf("register provider %q: already registered", name)
	}
	p.factories[name] = factory
	return nil
}

// Lookup returns the factory registered under name.
func (p *Providers) Lookup(name string) (Factory, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	f, ok := p.factories[name]
	return f, ok
}

// Names returns the registered identifiers in sorted order.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.factories))
	for name := range p.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
