package analyzer

import (
	"fmt"
	"sync"

	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Registry maps modalities to their registered capabilities. The
// executor resolves the capability for each modality task through it.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[task.Modality]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[task.Modality]Capability),
	}
}

// Register adds a capability. Registering a modality twice replaces the
// previous capability; the last registration wins.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return types.NewError(types.INVALID_CONFIGURATION, "cannot register nil capability")
	}
	if c.Modality() == "" {
		return types.NewError(types.INVALID_CONFIGURATION, "capability must declare a modality")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c.Modality()] = c
	return nil
}

// Resolve returns the capability registered for a modality.
func (r *Registry) Resolve(m task.Modality) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[m]
	if !ok {
		return nil, types.NewError(types.INVALID_CONFIGURATION,
			fmt.Sprintf("no capability registered for modality %q", m))
	}
	return c, nil
}

// Modalities lists the registered modalities.
func (r *Registry) Modalities() []task.Modality {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]task.Modality, 0, len(r.capabilities))
	for m := range r.capabilities {
		out = append(out, m)
	}
	return out
}
