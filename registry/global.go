package registry

import (
	"sync"

	"github.com/goliatone/go-process/chain"
	"github.com/goliatone/go-process/config"
)

var (
	globalMu       sync.RWMutex
	globalRegistry = New()
)

// Default returns the process wide registry.
func Default() *Registry {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRegistry
}

func Register(name string, factory Factory) error {
	return Default().Register(name, factory)
}

func Build(p config.PipelineConfig, opts ...chain.Option) (*chain.Chain, error) {
	return Default().Build(p, opts...)
}

// WithTestRegistry swaps the default registry for a fresh one while fn runs.
func WithTestRegistry(fn func()) {
	globalMu.Lock()
	old := globalRegistry
	globalRegistry = New()
	globalMu.Unlock()

	defer func() {
		globalMu.Lock()
		globalRegistry = old
		globalMu.Unlock()
	}()
	fn()
}
