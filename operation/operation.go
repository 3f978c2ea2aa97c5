// Package operation implements spec.md §4.9's Operation layer: a thin,
// named wrapper pairing a Manifest with its resolved input/output
// schemas. create_module(manifest) is shared with the plain module path
// (module.Registry.Create) rather than duplicated here. Grounded on the
// teacher's named-route registry (http/router.go's path->handler table),
// generalized from HTTP routes to named module manifests.
package operation

import (
	"fmt"
	"sync"

	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/value"
)

// Operation is a named, schema-augmented wrapper around a manifest
// (spec.md §4.9). A pipeline is exposed the same way as any other
// operation: its Manifest.ModuleType is "pipeline" and ModuleConfig
// embeds the full pipeline config (see package pipelinemodule).
type Operation struct {
	OperationID   string
	Manifest      manifest.Manifest
	InputsSchema  map[string]value.Schema
	OutputsSchema map[string]value.Schema
	Doc           string
}

// Registry is the named-operation table of spec.md §4.9 ("Operations are
// named (operation_id) and registered").
type Registry struct {
	modules *module.Registry

	mu    sync.RWMutex
	named map[string]Operation
}

// NewRegistry creates an operation Registry backed by modules for
// resolving manifests into schemas and for shared module construction.
func NewRegistry(modules *module.Registry) *Registry {
	return &Registry{modules: modules, named: make(map[string]Operation)}
}

// CreateModule instantiates the module behind m, exactly as the plain
// module path would (spec.md §4.9 "create_module(manifest) is shared
// with the module path").
func (r *Registry) CreateModule(m manifest.Manifest) (module.Module, error) {
	return r.modules.Create(m)
}

// Resolve builds an unregistered Operation for m by instantiating its
// module once to read off the input/output schemas, without giving it an
// operation_id.
func (r *Registry) Resolve(m manifest.Manifest, doc string) (Operation, error) {
	mod, err := r.modules.Create(m)
	if err != nil {
		return Operation{}, fmt.Errorf("operation: resolving %q: %w", m.ModuleType, err)
	}
	return Operation{
		Manifest:      m,
		InputsSchema:  mod.InputsSchema(),
		OutputsSchema: mod.OutputsSchema(),
		Doc:           doc,
	}, nil
}

// Register resolves m and files it under operationID, replacing any
// prior registration under the same id.
func (r *Registry) Register(operationID string, m manifest.Manifest, doc string) (Operation, error) {
	op, err := r.Resolve(m, doc)
	if err != nil {
		return Operation{}, err
	}
	op.OperationID = operationID

	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[operationID] = op
	return op, nil
}

// Get returns the operation registered under operationID.
func (r *Registry) Get(operationID string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.named[operationID]
	return op, ok
}

// List returns every registered operation_id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.named))
	for id := range r.named {
		ids = append(ids, id)
	}
	return ids
}
