package backend

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Backend kinds
const (
	KindBlender = "blender"
	KindCommand = "command"
)

// Options carries the settings every backend factory may draw from
type Options struct {
	BlenderPath string
	Command     string
	Timeout     time.Duration
}

// Factory builds a Renderer from options
type Factory func(Options) (Renderer, error)

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the blender and command backends registered
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindBlender, func(o Options) (Renderer, error) {
		return NewBlenderRenderer(o.BlenderPath, o.Timeout), nil
	})
	r.Register(KindCommand, func(o Options) (Renderer, error) {
		return NewCommandRenderer(o.Command, o.Timeout)
	})
	return r
}

// Register adds or replaces a factory
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Create builds the renderer for kind
func (r *Registry) Create(kind string, opts Options) (Renderer, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported render backend: %s", kind)
	}
	return factory(opts)
}

// ListSupported returns the registered kinds, sorted
func (r *Registry) ListSupported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
