package driver

import (
	"fmt"
	"sync"

	"forgeio/config"
)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register installs a protocol factory under the given name. Protocol
// packages call this from init().
func Register(protocol string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[protocol] = f
}

// Protocols returns the names of all registered protocols.
func Protocols() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	return names
}

// Create creates a Driver for the given configuration. The connection is
// not established until Connect() is called on the returned driver.
func Create(cfg *config.DriverConfig) (Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	factoriesMu.RLock()
	f, ok := factories[cfg.Protocol]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver protocol: %q", cfg.Protocol)
	}
	return f(cfg)
}
