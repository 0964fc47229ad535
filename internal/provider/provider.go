// Package provider implements ports.ProcessorProvider, resolving a stream
// name to the ports.Processor that should own it, with optional caching so
// several streams can share one processor instance (spec.md §4.B/§9).
package provider

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ibs-source/streamhost/internal/ports"
)

// Factory constructs a new Processor for the given cache key. It is called
// at most once per distinct key.
type Factory func(key string) (ports.Processor, error)

// KeyFunc derives the cache key a stream's processor should be filed under.
// The default is identity: one processor per stream.
type KeyFunc func(stream string) string

// IdentityKey is the default KeyFunc: each stream gets its own processor.
func IdentityKey(stream string) string { return stream }

// CachingProvider resolves streams to processors, constructing each distinct
// key's processor lazily via Factory and caching the result. Per spec.md §6,
// a ProcessorProvider is never called concurrently, so a plain mutex-guarded
// map is sufficient; there is no need for the lock-free registry style the
// teacher uses for its concurrently-accessed MQTT handler map.
type CachingProvider struct {
	mu      sync.Mutex
	factory Factory
	keyFn   KeyFunc
	cache   map[string]ports.Processor
}

// NewCachingProvider builds a CachingProvider. A nil keyFn defaults to
// IdentityKey.
func NewCachingProvider(factory Factory, keyFn KeyFunc) *CachingProvider {
	if keyFn == nil {
		keyFn = IdentityKey
	}
	return &CachingProvider{
		factory: factory,
		keyFn:   keyFn,
		cache:   make(map[string]ports.Processor),
	}
}

// GetProcessor implements ports.ProcessorProvider.
func (p *CachingProvider) GetProcessor(stream string) (ports.Processor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.keyFn(stream)
	if key == "" {
		// An empty derived key is replaced by a fresh random key, so streams
		// whose KeyFunc returns "" never share a processor with each other:
		// every such lookup misses the cache and builds a new one.
		key = uuid.NewString()
	}

	if proc, ok := p.cache[key]; ok {
		return proc, nil
	}

	proc, err := p.factory(key)
	if err != nil {
		return nil, fmt.Errorf("provider: build processor for key %q: %w", key, err)
	}
	p.cache[key] = proc
	return proc, nil
}
