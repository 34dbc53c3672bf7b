// Package registry is the explicit, compile-time stand-in for
// original_source/sams/core.py's ClassLoader.load: instead of importing a
// dotted module path chosen at runtime from a config string, every
// constructible component (sampler, output, loader, store backend)
// registers a constructor under a short tag, and callers look the tag up
// in the config file. No reflection, no dynamic imports.
package registry

import "fmt"

// Registry maps a config-file tag to a constructor for T.
type Registry[T any] struct {
	factories map[string]func() T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]func() T)}
}

// Register adds a constructor under tag. Registering the same tag twice
// panics: that is a programming error, caught at init time, not a runtime
// condition callers should need to handle.
func (r *Registry[T]) Register(tag string, factory func() T) {
	if _, exists := r.factories[tag]; exists {
		panic(fmt.Sprintf("registry: tag %q already registered", tag))
	}
	r.factories[tag] = factory
}

// Build constructs the component registered under tag.
func (r *Registry[T]) Build(tag string) (T, error) {
	var zero T
	factory, ok := r.factories[tag]
	if !ok {
		return zero, fmt.Errorf("registry: no component registered for tag %q", tag)
	}
	return factory(), nil
}

// Tags returns every registered tag, for --help-style listing.
func (r *Registry[T]) Tags() []string {
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	return tags
}
