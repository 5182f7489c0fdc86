// Package registry holds the methods an endpoint exposes to its peer, and the
// directories where endpoints publish those method names for discovery.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"postling/message"
)

var (
	// ErrReservedName rejects names wrapped in double underscores; they belong
	// to the protocol's internal methods.
	ErrReservedName = errors.New("registry: reserved method name")
	ErrEmptyName    = errors.New("registry: empty method name")
)

// Method is a locally exposed, remotely callable function. Its result must be
// JSON-serializable.
type Method func(ctx context.Context, args message.Args) (any, error)

// IsReserved reports whether name follows the internal __name__ pattern.
func IsReserved(name string) bool {
	return len(name) >= 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// Methods is the runtime-mutable method table of one endpoint.
type Methods struct {
	mu    sync.RWMutex
	table map[string]Method
}

func NewMethods() *Methods {
	return &Methods{table: make(map[string]Method)}
}

// Set merges methods into the table. A nil Method removes its name. The update
// is all-or-nothing: one invalid name rejects the whole set.
func (m *Methods) Set(methods map[string]Method) error {
	for name := range methods {
		if name == "" {
			return ErrEmptyName
		}
		if IsReserved(name) {
			return fmt.Errorf("%w: %q", ErrReservedName, name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, fn := range methods {
		if fn == nil {
			delete(m.table, name)
			continue
		}
		m.table[name] = fn
	}
	return nil
}

func (m *Methods) Get(name string) (Method, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.table[name]
	return fn, ok
}

// Names returns the currently registered names, sorted.
func (m *Methods) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.table))
	for name := range m.table {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Methods) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}
