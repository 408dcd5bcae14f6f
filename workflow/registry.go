package workflow

import (
	"fmt"
	"sync"
)

// Registry maps workflow names to versioned definitions. Multiple
// versions of the same workflow can coexist; new runs use the latest
// version, while resuming runs look up the exact version they started
// under. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]*Definition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[string][]*Definition)}
}

// Register validates and registers a definition. Registering the same
// name and version again replaces the earlier entry.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	version := def.EffectiveVersion()
	existing := r.versions[def.Name]
	for i, v := range existing {
		if v.EffectiveVersion() == version {
			existing[i] = def
			return nil
		}
	}
	r.versions[def.Name] = append(existing, def)
	return nil
}

// Get returns the latest-version definition for the given name.
// Returns false if nothing is registered under it.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[name]
	if len(versions) == 0 {
		return nil, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if v.EffectiveVersion() > best.EffectiveVersion() {
			best = v
		}
	}
	return best, true
}

// GetVersion returns the definition for a specific version of a
// workflow. If version <= 0, behaves like Get.
func (r *Registry) GetVersion(name string, version int) (*Definition, bool) {
	if version <= 0 {
		return r.Get(name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions[name] {
		if v.EffectiveVersion() == version {
			return v, true
		}
	}
	return nil, false
}

// LatestVersion returns the highest registered version number for a
// workflow. Returns 0 if the workflow is not registered.
func (r *Registry) LatestVersion(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := 0
	for _, v := range r.versions[name] {
		if v.EffectiveVersion() > best {
			best = v.EffectiveVersion()
		}
	}
	return best
}

// Names returns all registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	return names
}
