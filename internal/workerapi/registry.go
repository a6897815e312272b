// Package workerapi defines the contract between the worker host and the
// code inside a loaded package: the Worker interface, the factory registry
// module plugins populate at load time, and the error type used to surface
// failures coming out of package code.
package workerapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// WorkerTypeName is the conventional type name every engine adapter must
// register under its own package namespace.
const WorkerTypeName = "GridWorker"

// ErrTypeNotFound is returned when no factory is registered for a requested type.
var ErrTypeNotFound = errors.New("type is not registered")

// Worker is the callable surface an engine adapter's GridWorker exposes to
// the host. The business-logic payload shape is owned by the engines, so the
// host only moves opaque bytes.
type Worker interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

// Factory constructs one instance of a registered type with no arguments.
type Factory func() (any, error)

// Registry maps namespace-qualified type names to factories.
//
// Module plugins call Register from their init functions, so the registry is
// populated as a side effect of opening the plugin files.
type Registry struct {
	// mu protects factories; registration and lookup may overlap while
	// several plugins are being opened.
	mu sync.RWMutex
	// factories is keyed by "<namespace>.<typeName>".
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// typeKey renders the canonical lookup key for a namespace-qualified type.
func typeKey(namespace, typeName string) string {
	return namespace + "." + typeName
}

// Register adds a factory under a namespace-qualified type name.
// Registering the same type twice is a programming error in the module and panics.
func (r *Registry) Register(namespace, typeName string, factory Factory) {
	key := typeKey(namespace, typeName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		panic(fmt.Sprintf("type %q already registered", key))
	}

	r.factories[key] = factory
}

// New instantiates a registered type.
// A missing registration surfaces ErrTypeNotFound; a failing factory is
// wrapped in *Error so callers can tell host failures from package failures.
func (r *Registry) New(namespace, typeName string) (any, error) {
	key := typeKey(namespace, typeName)

	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrTypeNotFound)
	}

	instance, err := factory()
	if err != nil {
		return nil, &Error{Op: "instantiate " + key, Err: err}
	}

	return instance, nil
}

// defaultRegistry collects registrations from plugins opened in this process.
//
//nolint:gochecknoglobals // Plugins register from init, which leaves no other hook.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that module plugins populate.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a factory to the process-wide registry.
// It is the function module plugins call from init.
func Register(namespace, typeName string, factory Factory) {
	defaultRegistry.Register(namespace, typeName, factory)
}
