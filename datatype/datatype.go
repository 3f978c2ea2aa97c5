// Package datatype implements the DataType registry described in
// spec.md §4.1: a name+config addressed table of capability objects
// that know how to hash, size, validate, and (de)serialize the data
// behind a Value. Grounded on the teacher's capability.Registry
// (capability/registry.go) for the register/lookup/provider shape, and
// on module.Registry's constructor-table pattern for get_instance's
// memoized factory semantics.
package datatype

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kiara-data/kiara/hashkit"
)

// TypeConfig is a DataType's configuration, canonicalized the same way
// as manifest.Config.
type TypeConfig map[string]any

// DataType is the capability set every registered type must implement
// (spec.md §4.1 "Polymorphic over the capability set").
type DataType interface {
	// TypeName is this type's registered name.
	TypeName() string
	// Hash computes value_hash for data, independent of process, host
	// byte order, and map-iteration order.
	Hash(data any) (hashkit.Digest, error)
	// Size estimates the in-memory footprint of data, in bytes.
	Size(data any) int64
	// IsValid reports whether data is a legal instance of this type.
	IsValid(data any) bool
	// Serialize encodes data to a transportable blob.
	Serialize(data any) ([]byte, error)
	// Deserialize decodes a blob produced by Serialize.
	Deserialize(blob []byte) (any, error)
}

// Constructor builds a DataType instance from its type_config.
// get_instance memoizes by (type_name, canonical(type_config)), so a
// Constructor must be a pure function of its config.
type Constructor func(cfg TypeConfig) (DataType, error)

// entry pairs a registered constructor with its lineage metadata.
type entry struct {
	construct Constructor
	parent    string // "" if this type has no parent in the profile lineage
	internal  bool
	schema    *jsonschema.Schema // optional type_config_schema, spec.md §4.1
}

// Registry is the DataType registry (spec.md §4.1).
type Registry struct {
	mu        sync.RWMutex
	types     map[string]entry
	instances map[string]DataType // memoization key: type_name + "\x00" + canonical(config) hash
}

// NewRegistry creates an empty DataType Registry.
func NewRegistry() *Registry {
	return &Registry{
		types:     make(map[string]entry),
		instances: make(map[string]DataType),
	}
}

// Register installs a constructor for typeName. parent is the
// immediate supertype in the profile lineage, or "" for a root type.
// internal separates plumbing types from user-facing ones
// (spec.md §4.1 "is_internal(name)").
func (r *Registry) Register(typeName string, construct Constructor, parent string, internal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.types[typeName]
	e.construct, e.parent, e.internal = construct, parent, internal
	r.types[typeName] = e
}

// RegisterConfigSchema attaches a type_config_schema that GetInstance
// validates type_config against before construction (spec.md §4.1's
// DataType "capability set" includes type_config_schema). A type with
// no registered schema relies on its Constructor's own validation.
func (r *Registry) RegisterConfigSchema(typeName string, schemaJSON []byte) error {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("datatype: parsing type_config_schema for %q: %w", typeName, err)
	}
	c := jsonschema.NewCompiler()
	url := "kiara://datatype/" + typeName
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("datatype: adding type_config_schema resource for %q: %w", typeName, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("datatype: compiling type_config_schema for %q: %w", typeName, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.types[typeName]
	e.schema = sch
	r.types[typeName] = e
	return nil
}

// Lookup returns the constructor registered for typeName.
func (r *Registry) Lookup(typeName string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[typeName]
	if !ok {
		return nil, false
	}
	return e.construct, true
}

// GetInstance returns the memoized DataType for (typeName, config),
// constructing and caching it on first use (spec.md §4.1 "get_instance
// ... with memoization keyed by (name, canonical(config))").
func (r *Registry) GetInstance(typeName string, cfg TypeConfig) (DataType, error) {
	key, err := memoKey(typeName, cfg)
	if err != nil {
		return nil, fmt.Errorf("datatype: computing memoization key for %q: %w", typeName, err)
	}

	r.mu.RLock()
	if inst, ok := r.instances[key]; ok {
		r.mu.RUnlock()
		return inst, nil
	}
	e, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown data type: %s", typeName)
	}
	if e.schema != nil {
		if err := e.schema.Validate(configInstance(cfg)); err != nil {
			return nil, fmt.Errorf("datatype: type_config for %q: %w", typeName, err)
		}
	}

	inst, err := e.construct(cfg)
	if err != nil {
		return nil, fmt.Errorf("datatype: constructing %q: %w", typeName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[key]; ok {
		return existing, nil
	}
	r.instances[key] = inst
	return inst, nil
}

// TypeLineage returns [name, parent, grandparent, ...] for profile-based
// subtyping (spec.md §4.1), terminating at a root type.
func (r *Registry) TypeLineage(typeName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var lineage []string
	seen := make(map[string]bool)
	name := typeName
	for name != "" {
		if seen[name] {
			return nil, fmt.Errorf("datatype: cyclic lineage detected at %q", name)
		}
		seen[name] = true
		e, ok := r.types[name]
		if !ok {
			return nil, fmt.Errorf("unknown data type: %s", name)
		}
		lineage = append(lineage, name)
		name = e.parent
	}
	return lineage, nil
}

// IsInternal reports whether typeName is plumbing, not meant to be
// surfaced to users (spec.md §4.1).
func (r *Registry) IsInternal(typeName string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[typeName]
	if !ok {
		return false, fmt.Errorf("unknown data type: %s", typeName)
	}
	return e.internal, nil
}

// Types returns every registered type name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}

// Hash delegates to the (type_name, type_config)-identified DataType to
// compute value_hash for data (spec.md §4.1 "hash(value_data,
// type_name, type_config)").
func (r *Registry) Hash(typeName string, cfg TypeConfig, data any) (hashkit.Digest, error) {
	inst, err := r.GetInstance(typeName, cfg)
	if err != nil {
		return hashkit.Digest{}, err
	}
	return inst.Hash(data)
}

// configInstance round-trips cfg through encoding/json so jsonschema.Validate
// sees the plain map[string]any/[]any/float64 shapes it expects.
func configInstance(cfg TypeConfig) any {
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

func memoKey(typeName string, cfg TypeConfig) (string, error) {
	h, err := hashkit.HashOf(map[string]any(cfg))
	if err != nil {
		return "", err
	}
	return typeName + "\x00" + h.String(), nil
}
