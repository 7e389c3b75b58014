package cloud

import (
	"fmt"
	"sync"

	"github.com/kumoproj/kumo/internal/migrate"
)

// Registry maps provider names to drivers.
type Registry struct {
	drivers map[migrate.Provider]Driver
	mu      sync.RWMutex
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[migrate.Provider]Driver)}
}

// Register registers a driver for its provider.
func (r *Registry) Register(driver Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := driver.Provider()
	if _, exists := r.drivers[p]; exists {
		return fmt.Errorf("driver for provider %s already registered", p)
	}
	r.drivers[p] = driver
	return nil
}

// Get retrieves the driver for a provider.
func (r *Registry) Get(p migrate.Provider) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	driver, exists := r.drivers[p]
	if !exists {
		return nil, migrate.Errorf(migrate.KindNotFound, "registry", "no driver registered for provider %s", p)
	}
	return driver, nil
}

// List returns all registered drivers.
func (r *Registry) List() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	drivers := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		drivers = append(drivers, d)
	}
	return drivers
}
