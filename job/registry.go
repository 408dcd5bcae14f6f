package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased job handler. It accepts the raw JSON
// payload and returns the JSON-serialized result. The typed
// Definition[T] is converted to a HandlerFunc at registration time by
// closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps job type names to type-erased handler functions and
// their default options. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	opts     map[string]Options
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		opts:     make(map[string]Options),
	}
}

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T before calling the typed handler and JSON-marshals its result.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return nil, fmt.Errorf("unmarshal payload for job %q: %w", def.Name, err)
			}
		}
		out, err := def.Handler(ctx, t)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		result, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal result for job %q: %w", def.Name, err)
		}
		return result, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
	r.opts[def.Name] = def.Opts
}

// RegisterFunc registers a raw handler under the given type name, with
// the default options. Used for internal job types whose payloads are
// already []byte.
func (r *Registry) RegisterFunc(name string, h HandlerFunc, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	r.opts[name] = o
}

// Get returns the handler for the given job type name.
// Returns false if no handler is registered.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Options returns the registered default options for a job type.
func (r *Registry) Options(name string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.opts[name]
	return o, ok
}

// Names returns all registered job type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
