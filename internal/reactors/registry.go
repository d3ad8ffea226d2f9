// Package reactors holds the named reactors a daemon can enable from config.
package reactors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/powerplant/internal/powerplant"
)

var (
	ErrUnknownReactor = errors.New("reactors: unknown reactor")
	ErrReactorExists  = errors.New("reactors: reactor already registered")
)

// Factory builds a fresh reactor for one plant.
type Factory func() powerplant.Reactor

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a reactor available by name. Subpackages call it from init.
func Register(name string, f Factory) error {
	name = strings.TrimSpace(name)
	if name == "" || f == nil {
		return fmt.Errorf("%w: name=%q", ErrUnknownReactor, name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		return fmt.Errorf("%w: %s", ErrReactorExists, name)
	}
	registry[name] = f
	return nil
}

func MustRegister(name string, f Factory) {
	if err := Register(name, f); err != nil {
		panic(err)
	}
}

func Get(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names lists registered reactors, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build instantiates the named reactors in order.
func Build(names []string) ([]powerplant.Reactor, error) {
	out := make([]powerplant.Reactor, 0, len(names))
	for _, name := range names {
		f, ok := Get(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("%w: %s (known: %s)", ErrUnknownReactor, name, strings.Join(Names(), ", "))
		}
		out = append(out, f())
	}
	return out, nil
}
