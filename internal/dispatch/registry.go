package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/7ama2004/synapse/pkg/api"
)

type registration struct {
	handler api.Handler
	ports   api.PortSpec
}

// Registry maps block types to handlers. It is populated at process start
// and is safe for concurrent lookups.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]registration)}
}

// Register adds a handler for blockType with its default port declaration.
func (r *Registry) Register(blockType string, h api.Handler, ports api.PortSpec) error {
	if blockType == "" {
		return errors.New("block type is required")
	}
	if h == nil {
		return fmt.Errorf("block type %q: handler is nil", blockType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[blockType]; exists {
		return fmt.Errorf("block type %q already registered", blockType)
	}
	r.byType[blockType] = registration{
		handler: h,
		ports: api.PortSpec{
			Inputs:  slices.Clone(ports.Inputs),
			Outputs: slices.Clone(ports.Outputs),
		},
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(blockType string, h api.Handler, ports api.PortSpec) {
	if err := r.Register(blockType, h, ports); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered for blockType.
func (r *Registry) Lookup(blockType string) (api.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byType[blockType]
	return reg.handler, ok
}

// Ports returns the default port declaration for blockType.
func (r *Registry) Ports(blockType string) (api.PortSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byType[blockType]
	return reg.ports, ok
}

// Types returns the registered block types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Normalize returns a copy of blocks where any block that declares no
// inputs (or no outputs) inherits the registered defaults for its type.
// Blocks of unknown types are returned unchanged; dispatch reports them.
func (r *Registry) Normalize(blocks []api.Block) []api.Block {
	out := make([]api.Block, len(blocks))
	for i, b := range blocks {
		if ports, ok := r.Ports(b.Type); ok {
			if len(b.Inputs) == 0 {
				b.Inputs = ports.Inputs
			}
			if len(b.Outputs) == 0 {
				b.Outputs = ports.Outputs
			}
		}
		out[i] = b
	}
	return out
}
