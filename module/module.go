// Package module defines Kiara's Module interface and the constructor
// registry that instantiates modules from a manifest, per spec.md §4.3.
// The registry shape is carried over from the teacher's StepRegistry
// (module/pipeline_step_registry.go in the retrieval pack), generalized
// from PipelineStep factories to Module factories.
package module

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kiara-data/kiara/kerrors"
	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/value"
)

// Characteristics describes a module's execution properties.
type Characteristics struct {
	// IsIdempotent: non-idempotent modules bypass the job cache (spec.md §4.3/§4.6).
	IsIdempotent bool
	// IsInternal marks plumbing modules not meant to be user-facing.
	IsInternal bool
}

// JobLog is the append-only execution log a module's process() call writes
// to, and the cooperative-cancellation signal it may observe (spec.md §4.6,
// §5 "Cancellation and timeouts").
type JobLog interface {
	Logf(format string, args ...any)
	// Cancelled reports whether the caller has requested cancellation.
	// Cooperation is optional: spec.md §5 "an in-flight job cannot be
	// forcibly terminated from outside the module's cooperation".
	Cancelled() bool
}

// Module is a module instance created from a Manifest. process() is the
// module's pure function (spec.md §4.3).
type Module interface {
	InputsSchema() map[string]value.Schema
	OutputsSchema() map[string]value.Schema
	Constants() map[string]any
	Defaults() map[string]any
	Characteristics() Characteristics
	Process(ctx context.Context, inputs *value.Map, outputs *value.Map, log JobLog) error
}

// Factory creates a Module instance from its validated module_config.
type Factory func(moduleConfig manifest.Config) (Module, error)

// Registry maps module-type strings to factory functions and instantiates
// modules from a Manifest (spec.md §4.3: "Module registry is a name→class
// table populated at startup").
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	schemas   map[string]*jsonschema.Schema
}

// NewRegistry creates an empty module Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Register adds a factory for the given module type. Called at program
// start, per Design Notes §9 "static registry of constructors".
func (r *Registry) Register(moduleType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[moduleType] = factory
}

// RegisterConfigSchema attaches a JSON Schema that module_config must
// satisfy before factory is invoked for moduleType (spec.md §4.3:
// "validates module_config against the module class's config schema").
// A module type with no registered schema skips this check and relies
// on its factory's own validation.
func (r *Registry) RegisterConfigSchema(moduleType string, schemaJSON []byte) error {
	sch, err := compileSchema("kiara://module/"+moduleType, schemaJSON)
	if err != nil {
		return fmt.Errorf("module: config schema for %q: %w", moduleType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[moduleType] = sch
	return nil
}

// Create validates manifest.ModuleConfig against the registered JSON
// Schema (if any) and instantiates the module. Returns a
// kerrors-wrapped UnknownModuleType if module_type isn't registered, or
// InvalidManifestConfig if the schema or the factory itself rejects the
// config (spec.md §7).
func (r *Registry) Create(m manifest.Manifest) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[m.ModuleType]
	schema := r.schemas[m.ModuleType]
	r.mu.RUnlock()
	if !ok {
		return nil, kerrors.New(kerrors.KindUnknownModuleType, fmt.Sprintf("unknown module type: %s", m.ModuleType))
	}
	if schema != nil {
		if err := schema.Validate(configInstance(m.ModuleConfig)); err != nil {
			return nil, kerrors.Wrap(kerrors.KindInvalidManifestConfig, fmt.Sprintf("module_config for %q", m.ModuleType), err)
		}
	}
	mod, err := factory(m.ModuleConfig)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInvalidManifestConfig, fmt.Sprintf("module_config for %q", m.ModuleType), err)
	}
	return withConfigOverlay(mod, m.ModuleConfig), nil
}

// withConfigOverlay wraps mod so its Constants()/Defaults() also reflect
// module_config's own "constants"/"defaults" keys (spec.md §4.3: "constants
// and defaults overlays (from config)"), on top of whatever the module
// class itself hard-codes. This is how pipeline/structure.go's per-field
// constant/default detection stays a single code path regardless of
// whether a field is constant by module class or by this particular
// instance's config.
func withConfigOverlay(mod Module, cfg manifest.Config) Module {
	constants, hasConstants := cfg["constants"].(map[string]any)
	defaults, hasDefaults := cfg["defaults"].(map[string]any)
	if !hasConstants && !hasDefaults {
		return mod
	}
	return &overlayModule{Module: mod, constants: constants, defaults: defaults}
}

type overlayModule struct {
	Module
	constants map[string]any
	defaults  map[string]any
}

func (m *overlayModule) Constants() map[string]any { return mergeOverlay(m.Module.Constants(), m.constants) }
func (m *overlayModule) Defaults() map[string]any  { return mergeOverlay(m.Module.Defaults(), m.defaults) }

// mergeOverlay merges base (the module class's own constants/defaults)
// with overlay (the config-supplied ones), overlay winning on conflicts
// since it's the more specific, instance-level source.
func mergeOverlay(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// compileSchema parses and compiles a JSON Schema document for module
// config-schema validation (package datatype compiles its own schemas).
func compileSchema(resourceURL string, schemaJSON []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema document: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	sch, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return sch, nil
}

// configInstance round-trips cfg through encoding/json so nested values
// are the plain map[string]any/[]any/float64 shapes jsonschema.Validate
// expects, the same normalization manifest.Config undergoes before
// hashing.
func configInstance(cfg manifest.Config) any {
	raw, err := json.Marshal(map[string]any(cfg))
	if err != nil {
		return map[string]any(cfg)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return map[string]any(cfg)
	}
	return inst
}

// Types returns all registered module-type names, mirroring
// StepRegistry.Types() in the teacher repo.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
