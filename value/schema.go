// Package value implements Kiara's content-addressed data model: ValueSchema,
// ValuePedigree, Value, and ValueMap, per spec.md §3.
package value

import "github.com/kiara-data/kiara/hashkit"

// Schema describes the shape a Value must conform to: its DataType name and
// config, an optional default, whether it's optional, whether it's a
// pipeline constant, and documentation. Spec.md §3 "ValueSchema".
type Schema struct {
	TypeName   string
	TypeConfig map[string]any
	Default    any
	HasDefault bool
	Optional   bool
	IsConstant bool
	Doc        string
}

// Required reports whether this schema must be satisfied by caller-supplied
// data: optional=false and no default set (spec.md §3).
func (s Schema) Required() bool {
	return !s.Optional && !s.HasDefault
}

// Hash computes hash(type_name, canonical(type_config)), the schema hash
// named throughout spec.md §3/§8.
func (s Schema) Hash() (hashkit.Digest, error) {
	cfg := s.TypeConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	return hashkit.HashFields("type_name", s.TypeName, "type_config", cfg)
}
