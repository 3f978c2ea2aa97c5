package value

import (
	"sync"

	"github.com/kiara-data/kiara/hashkit"
)

// Status is the lifecycle status of a Value's data, per spec.md §3.
type Status string

const (
	// StatusNotSet means no data was ever bound to this value.
	StatusNotSet Status = "NOT_SET"
	// StatusNone means a module explicitly produced a null result for an
	// optional output — distinct from StatusNotSet per the Open Question
	// resolved in SPEC_FULL.md §9.
	StatusNone Status = "NONE"
	// StatusSet means data is present and was explicitly supplied/produced.
	StatusSet Status = "SET"
	// StatusDefault means data is present because the schema default applied.
	StatusDefault Status = "DEFAULT"
)

// HasData reports whether callers may observe a real payload for this
// status. Spec.md §3 invariant 2: "If value_status in {NOT_SET, NONE} then
// data is a sentinel; callers must not observe a payload."
func (s Status) HasData() bool {
	return s == StatusSet || s == StatusDefault
}

// DataTypeInfo carries the opaque, user-facing description of a value's
// DataType, including its profile/subtype lineage (spec.md §3/§4.1;
// SPEC_FULL.md §3 "supplemented from original_source").
type DataTypeInfo struct {
	TypeName string
	Lineage  []string
	Internal bool
}

// Value is Kiara's central content-addressed artifact (spec.md §3).
//
// Construction is exclusive to the data registry (see package
// dataregistry); this type only exposes the read side plus the narrow
// mutation surface (AddProperty, AddDestinyBacklink, Freeze) that
// the registry needs while a value is still unfrozen.
type Value struct {
	id                ID
	schema            Schema
	status            Status
	size              int64
	valueHash         hashkit.Digest
	pedigree          Pedigree
	pedigreeOutput    string
	dataTypeInfo      DataTypeInfo
	propertyLinks     map[string]ID
	destinyBacklinks  map[ID]string
	persisted         bool
	frozen            bool

	mu   sync.RWMutex
	data any // sentinel (nil) unless status.HasData()
}

// New constructs a Value. Only package dataregistry calls this directly
// (spec.md §4.2: "Construction is exclusive to the DataRegistry").
func New(id ID, schema Schema, status Status, data any, size int64, valueHash hashkit.Digest, pedigree Pedigree, pedigreeOutput string, info DataTypeInfo) *Value {
	v := &Value{
		id:               id,
		schema:           schema,
		status:           status,
		size:             size,
		valueHash:        valueHash,
		pedigree:         pedigree,
		pedigreeOutput:   pedigreeOutput,
		dataTypeInfo:     info,
		propertyLinks:    make(map[string]ID),
		destinyBacklinks: make(map[ID]string),
	}
	if status.HasData() {
		v.data = data
	}
	return v
}

func (v *Value) ID() ID                     { return v.id }
func (v *Value) Schema() Schema             { return v.schema }
func (v *Value) Status() Status             { return v.status }
func (v *Value) Size() int64                { return v.size }
func (v *Value) Hash() hashkit.Digest       { return v.valueHash }
func (v *Value) Pedigree() Pedigree         { return v.pedigree }
func (v *Value) PedigreeOutputName() string { return v.pedigreeOutput }
func (v *Value) DataTypeInfo() DataTypeInfo { return v.dataTypeInfo }
func (v *Value) IsPersisted() bool          { return v.persisted }

// IsFrozen reports whether mutation of links/backlinks/identity is
// forbidden. Spec.md §3 invariant 4: frozen once persisted or referenced by
// a downstream pedigree.
func (v *Value) IsFrozen() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.frozen
}

// Data returns the value's payload. Callers must check Status().HasData()
// first; for NOT_SET/NONE this returns nil, the documented sentinel.
func (v *Value) Data() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.status.HasData() {
		return nil
	}
	return v.data
}

// SemanticKey returns the (schema_hash, value_hash) pair that two Values
// sharing storage must agree on (spec.md §3 invariant 3).
func (v *Value) SemanticKey() (hashkit.Digest, hashkit.Digest, error) {
	schemaHash, err := v.schema.Hash()
	if err != nil {
		return hashkit.Digest{}, hashkit.Digest{}, err
	}
	return schemaHash, v.valueHash, nil
}

// PropertyLinks returns a copy of the property-link map (path -> value id).
func (v *Value) PropertyLinks() map[string]ID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]ID, len(v.propertyLinks))
	for k, id := range v.propertyLinks {
		out[k] = id
	}
	return out
}

// DestinyBacklinks returns a copy of the destiny-backlink map
// (value id -> path), used by DataRegistry.find_destinies_for_value.
func (v *Value) DestinyBacklinks() map[ID]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[ID]string, len(v.destinyBacklinks))
	for id, path := range v.destinyBacklinks {
		out[id] = path
	}
	return out
}

// AddProperty records that the value at propertyValueID is a named property
// of v. Legal only while both v and the property value are unfrozen
// (spec.md §4.2).
func (v *Value) AddProperty(path string, propertyValueID ID, propertyFrozen bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frozen {
		return errFrozenValue(v.id, "add property")
	}
	if propertyFrozen {
		return errFrozenValue(propertyValueID, "be added as a property (already frozen)")
	}
	v.propertyLinks[path] = propertyValueID
	return nil
}

// AddDestinyBacklink records that the value with id from declared v as a destiny at
// the given path (the inverse edge of AddProperty, recorded on the
// property's target so find_destinies_for_value can look it up).
func (v *Value) AddDestinyBacklink(from ID, path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.destinyBacklinks[from] = path
}

// Freeze marks the value as persisted/referenced, forbidding further
// mutation of links, backlinks, or identity (spec.md §3 invariant 4).
func (v *Value) Freeze(persisted bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frozen = true
	if persisted {
		v.persisted = true
	}
}

func errFrozenValue(id ID, action string) error {
	return &frozenValueError{id: id, action: action}
}

type frozenValueError struct {
	id     ID
	action string
}

func (e *frozenValueError) Error() string {
	return "value " + string(e.id) + " is frozen and cannot " + e.action
}
