package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/keboola/osiris-sub003/internal/core"
)

// Factory builds a fresh driver instance. Called once per step execution.
type Factory func() Driver

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register binds a component name to a driver factory. Later registrations
// for the same name win, so tests can override builtins.
func Register(component string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[component] = f
}

// New constructs a fresh driver for the component.
func New(component string) (Driver, error) {
	mu.RLock()
	f, ok := factories[component]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no driver for component %q", core.ErrRegUnknown, component)
	}
	return f(), nil
}

// Registered returns the registered component names in sorted order.
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
