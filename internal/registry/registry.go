// Package registry maps builder names to the opaque units of work the
// scheduler runs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

var (
	ErrDuplicateBuilder = errors.New("builder already registered")
	ErrInvalidBuilder   = errors.New("builder needs a name and a run function")
)

// RunFunc is a builder body. It gets its own span for sub-steps and must
// either succeed or return an error; it must not leave partial outputs that
// a later run could mistake for complete ones.
type RunFunc func(ctx context.Context, span *trace.Span, in domain.Inputs) error

// Builder is a named unit of build work
type Builder struct {
	Name string
	Run  RunFunc
}

// Registry holds the builders of a pipeline
type Registry struct {
	builders map[string]Builder
	mu       sync.RWMutex
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
	}
}

// Register adds a builder. Names must be unique.
func (r *Registry) Register(b Builder) error {
	if b.Name == "" || b.Run == nil {
		return ErrInvalidBuilder
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[b.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBuilder, b.Name)
	}
	r.builders[b.Name] = b
	return nil
}

// RegisterFunc is shorthand for Register(Builder{Name: name, Run: fn})
func (r *Registry) RegisterFunc(name string, fn RunFunc) error {
	return r.Register(Builder{Name: name, Run: fn})
}

// MustRegister is Register for static wiring; it panics on error
func (r *Registry) MustRegister(b Builder) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

// Get returns the builder registered under name
func (r *Registry) Get(name string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	return b, ok
}

// Names returns all registered builder names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered builders
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builders)
}
