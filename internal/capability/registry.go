package capability

import (
	"fmt"
	"sync"

	"github.com/forgepool/forgepool/internal/ferrors"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Set{}
)

// Register associates name with a builder that produces a fresh Set. A
// Worker's parent process passes name to its child through the
// environment (Piper.New's capabilityName argument) because a Go value —
// closures included — cannot cross a re-exec boundary; the child looks the
// name back up in its own copy of this registry to rebuild an equivalent
// Set. Call Register from an init() in the same binary that constructs
// Pools, before any Pool.Start.
func Register(name string, builder func() Set) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = builder
}

// Build constructs a fresh Set from the builder registered under name.
func Build(name string) (Set, error) {
	registryMu.RLock()
	builder, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capability: %q: %w", name, ferrors.ErrNotImplemented)
	}
	return builder(), nil
}
