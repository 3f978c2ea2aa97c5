package datatype

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiara-data/kiara/hashkit"
)

// RegisterBuiltins installs the scalar types exercised by the builtin
// modules and the scenario tests in spec.md §8: integer, string,
// boolean, and datetime. All are root types (no parent) and
// user-facing (not internal).
func RegisterBuiltins(reg *Registry) {
	reg.Register("integer", newScalarType("integer", func(v any) bool {
		switch v.(type) {
		case int, int64, float64:
			return true
		default:
			return false
		}
	}), "", false)
	reg.Register("string", newScalarType("string", func(v any) bool {
		_, ok := v.(string)
		return ok
	}), "", false)
	reg.Register("boolean", newScalarType("boolean", func(v any) bool {
		_, ok := v.(bool)
		return ok
	}), "", false)
	reg.Register("datetime", newScalarType("datetime", func(v any) bool {
		_, ok := v.(time.Time)
		return ok
	}), "", false)
}

// scalarType is a DataType for JSON-representable scalars, hashed and
// serialized via encoding/json the same way hashkit canonicalizes
// manifests (spec.md §4.1: "the digest function ... the only contract
// is determinism").
type scalarType struct {
	name    string
	isValid func(any) bool
}

func newScalarType(name string, isValid func(any) bool) Constructor {
	return func(TypeConfig) (DataType, error) {
		return &scalarType{name: name, isValid: isValid}, nil
	}
}

func (t *scalarType) TypeName() string { return t.name }

func (t *scalarType) Hash(data any) (hashkit.Digest, error) {
	if !t.isValid(data) {
		return hashkit.Digest{}, fmt.Errorf("%s: invalid value of type %T", t.name, data)
	}
	return hashkit.HashOf(jsonable(data))
}

func (t *scalarType) Size(data any) int64 {
	blob, err := t.Serialize(data)
	if err != nil {
		return 0
	}
	return int64(len(blob))
}

func (t *scalarType) IsValid(data any) bool { return t.isValid(data) }

func (t *scalarType) Serialize(data any) ([]byte, error) {
	if !t.isValid(data) {
		return nil, fmt.Errorf("%s: invalid value of type %T", t.name, data)
	}
	return json.Marshal(jsonable(data))
}

func (t *scalarType) Deserialize(blob []byte) (any, error) {
	switch t.name {
	case "datetime":
		var s string
		if err := json.Unmarshal(blob, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	default:
		var v any
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// jsonable converts types that encoding/json can't natively round-trip
// (time.Time) into a canonical JSON-friendly representation.
func jsonable(data any) any {
	if t, ok := data.(time.Time); ok {
		return t.Format(time.RFC3339Nano)
	}
	return data
}
