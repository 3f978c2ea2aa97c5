package value

import (
	"fmt"
	"sync"

	"github.com/kiara-data/kiara/hashkit"
)

// Map is an ordered mapping from field name to Value, backed by a schema
// map constraining which fields exist and what type they must be
// (spec.md §4.2 "ValueMap"). FieldOrder preserves declaration order for
// deterministic iteration (e.g. canonical hashing of job inputs).
type Map struct {
	mu         sync.RWMutex
	schema     map[string]Schema
	fieldOrder []string
	values     map[string]*Value
	readOnly   bool
}

// NewMap creates a Map constrained by the given schema. Every field in the
// schema starts with a NOT_SET placeholder Value until Set is called.
func NewMap(schema map[string]Schema, fieldOrder []string, readOnly bool) *Map {
	m := &Map{
		schema:     schema,
		fieldOrder: append([]string(nil), fieldOrder...),
		values:     make(map[string]*Value, len(schema)),
		readOnly:   readOnly,
	}
	for field, s := range schema {
		m.values[field] = New("", s, StatusNotSet, nil, 0, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{TypeName: s.TypeName})
	}
	return m
}

// Fields returns field names in declaration order.
func (m *Map) Fields() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.fieldOrder...)
}

// Schema returns the schema constraining the given field.
func (m *Map) Schema(field string) (Schema, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schema[field]
	return s, ok
}

// Get returns the Value bound to field, or nil if the field is unknown.
func (m *Map) Get(field string) *Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[field]
}

// Set binds v to field. Fails if the map is read-only or the field isn't
// part of the schema, or if v's type_name doesn't match the schema's.
func (m *Map) Set(field string, v *Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return fmt.Errorf("value map is read-only: cannot set field %q", field)
	}
	s, ok := m.schema[field]
	if !ok {
		return fmt.Errorf("field %q is not part of this value map's schema", field)
	}
	if v != nil && v.Schema().TypeName != "" && v.Schema().TypeName != s.TypeName {
		return fmt.Errorf("field %q: type mismatch: schema wants %q, got %q", field, s.TypeName, v.Schema().TypeName)
	}
	m.values[field] = v
	return nil
}

// SetData stages raw data for field with status SET, without computing a
// real value_id/value_hash/pedigree. This is the surface a Module's
// Process implementation writes through (spec.md §4.6 step 7: the module
// runs against a "writable output ValueMap"); the job registry reads the
// staged data back out via Get(field).Data() and finalizes it into a real
// persisted Value in step 8.
func (m *Map) SetData(field string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return fmt.Errorf("value map is read-only: cannot set field %q", field)
	}
	s, ok := m.schema[field]
	if !ok {
		return fmt.Errorf("field %q is not part of this value map's schema", field)
	}
	m.values[field] = New("", s, StatusSet, data, 0, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{TypeName: s.TypeName})
	return nil
}

// SetNone stages an explicit null result for an optional output field,
// status NONE (spec.md §3, and the Open Question resolved in
// SPEC_FULL.md §9 distinguishing NONE from NOT_SET).
func (m *Map) SetNone(field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return fmt.Errorf("value map is read-only: cannot set field %q", field)
	}
	s, ok := m.schema[field]
	if !ok {
		return fmt.Errorf("field %q is not part of this value map's schema", field)
	}
	m.values[field] = New("", s, StatusNone, nil, 0, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{TypeName: s.TypeName})
	return nil
}

// AllItemsValid reports whether every field is either optional or has
// status SET/DEFAULT with a compatible type (spec.md §4.2).
func (m *Map) AllItemsValid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for field, s := range m.schema {
		v := m.values[field]
		if s.Optional {
			continue
		}
		if v == nil {
			return false
		}
		if v.Status() != StatusSet && v.Status() != StatusDefault {
			return false
		}
	}
	return true
}

// InvalidFields returns the set of required fields that are not currently
// satisfied, along with a human-readable reason — used to build
// kerrors.InputValuesError.
func (m *Map) InvalidFields() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]string{}
	for field, s := range m.schema {
		if s.Optional {
			continue
		}
		v := m.values[field]
		if v == nil {
			out[field] = "missing"
			continue
		}
		if v.Status() != StatusSet && v.Status() != StatusDefault {
			out[field] = fmt.Sprintf("required but status is %s", v.Status())
		}
	}
	return out
}

// AsIDMap returns a snapshot of field -> value_id, skipping fields whose
// Value is nil or NOT_SET. Used to build job.JobConfig.Inputs.
func (m *Map) AsIDMap() map[string]ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ID, len(m.values))
	for field, v := range m.values {
		if v == nil || v.Status() == StatusNotSet {
			continue
		}
		out[field] = v.ID()
	}
	return out
}

// ReadOnly returns a read-only view of this Map sharing the same
// underlying values (spec.md §4.2 "Read-only and writable variants").
func (m *Map) ReadOnly() *Map {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := &Map{
		schema:     m.schema,
		fieldOrder: append([]string(nil), m.fieldOrder...),
		values:     make(map[string]*Value, len(m.values)),
		readOnly:   true,
	}
	for k, v := range m.values {
		clone.values[k] = v
	}
	return clone
}
