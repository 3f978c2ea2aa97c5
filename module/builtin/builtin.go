// Package builtin provides a small set of reference Module implementations
// used in tests and scenario walkthroughs (spec.md §8's six end-to-end
// scenarios reference "const_int", "add", "dbl"/"double", and "now" by
// name). Grounded on the teacher's switch-based built-in module
// construction in its former top-level engine (BuildFromConfig's
// case "http.server": ... pattern), generalized to Kiara's
// module.Factory shape.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/value"
)

// constIntConfigSchema constrains module_config for "const_int" to the
// shape NewConstInt expects, exercised via Registry.RegisterConfigSchema
// (spec.md §4.3 "validates module_config against the module class's
// config schema").
const constIntConfigSchema = `{
	"type": "object",
	"required": ["value"],
	"properties": {"value": {"type": "integer"}}
}`

// Register installs all builtin modules into reg.
func Register(reg *module.Registry) {
	reg.Register("const_int", NewConstInt)
	reg.Register("add", NewAdd)
	reg.Register("double", NewDouble)
	reg.Register("now", NewNow)
	if err := reg.RegisterConfigSchema("const_int", []byte(constIntConfigSchema)); err != nil {
		panic(err)
	}
}

// constIntModule produces a constant integer output ("out"), configured via
// module_config {"value": N}. Used by spec.md §8 scenario 1.
type constIntModule struct {
	value int64
}

// NewConstInt is a module.Factory for the "const_int" module type.
func NewConstInt(cfg manifest.Config) (module.Module, error) {
	raw, ok := cfg["value"]
	if !ok {
		return nil, fmt.Errorf("const_int: module_config.value is required")
	}
	v, err := toInt64(raw)
	if err != nil {
		return nil, fmt.Errorf("const_int: module_config.value: %w", err)
	}
	return &constIntModule{value: v}, nil
}

func (m *constIntModule) InputsSchema() map[string]value.Schema  { return map[string]value.Schema{} }
func (m *constIntModule) OutputsSchema() map[string]value.Schema {
	return map[string]value.Schema{"out": {TypeName: "integer"}}
}
func (m *constIntModule) Constants() map[string]any { return nil }
func (m *constIntModule) Defaults() map[string]any  { return nil }
func (m *constIntModule) Characteristics() module.Characteristics {
	return module.Characteristics{IsIdempotent: true}
}
func (m *constIntModule) Process(_ context.Context, _ *value.Map, outputs *value.Map, _ module.JobLog) error {
	return setInt(outputs, "out", m.value)
}

// addModule sums two integer inputs ("a", "b") into "sum". Used by spec.md
// §8 scenario 2.
type addModule struct{}

// NewAdd is a module.Factory for the "add" module type.
func NewAdd(manifest.Config) (module.Module, error) { return &addModule{}, nil }

func (m *addModule) InputsSchema() map[string]value.Schema {
	return map[string]value.Schema{
		"a": {TypeName: "integer"},
		"b": {TypeName: "integer"},
	}
}
func (m *addModule) OutputsSchema() map[string]value.Schema {
	return map[string]value.Schema{"sum": {TypeName: "integer"}}
}
func (m *addModule) Constants() map[string]any { return nil }
func (m *addModule) Defaults() map[string]any  { return nil }
func (m *addModule) Characteristics() module.Characteristics {
	return module.Characteristics{IsIdempotent: true}
}
func (m *addModule) Process(_ context.Context, inputs *value.Map, outputs *value.Map, _ module.JobLog) error {
	a, err := getInt(inputs, "a")
	if err != nil {
		return err
	}
	b, err := getInt(inputs, "b")
	if err != nil {
		return err
	}
	return setInt(outputs, "sum", a+b)
}

// doubleModule doubles an integer input ("x") into "y". Used by spec.md §8
// scenarios 2 and 3.
type doubleModule struct{}

// NewDouble is a module.Factory for the "double" module type.
func NewDouble(manifest.Config) (module.Module, error) { return &doubleModule{}, nil }

func (m *doubleModule) InputsSchema() map[string]value.Schema {
	return map[string]value.Schema{"x": {TypeName: "integer"}}
}
func (m *doubleModule) OutputsSchema() map[string]value.Schema {
	return map[string]value.Schema{"y": {TypeName: "integer"}}
}
func (m *doubleModule) Constants() map[string]any { return nil }
func (m *doubleModule) Defaults() map[string]any  { return nil }
func (m *doubleModule) Characteristics() module.Characteristics {
	return module.Characteristics{IsIdempotent: true}
}
func (m *doubleModule) Process(_ context.Context, inputs *value.Map, outputs *value.Map, _ module.JobLog) error {
	x, err := getInt(inputs, "x")
	if err != nil {
		return err
	}
	return setInt(outputs, "y", x*2)
}

// nowModule produces the current time as "t", deliberately non-idempotent
// so it bypasses the job cache (spec.md §8 scenario 4).
type nowModule struct {
	clock func() time.Time
}

// NewNow is a module.Factory for the "now" module type.
func NewNow(manifest.Config) (module.Module, error) {
	return &nowModule{clock: time.Now}, nil
}

func (m *nowModule) InputsSchema() map[string]value.Schema  { return map[string]value.Schema{} }
func (m *nowModule) OutputsSchema() map[string]value.Schema {
	return map[string]value.Schema{"t": {TypeName: "datetime"}}
}
func (m *nowModule) Constants() map[string]any { return nil }
func (m *nowModule) Defaults() map[string]any  { return nil }
func (m *nowModule) Characteristics() module.Characteristics {
	return module.Characteristics{IsIdempotent: false}
}
func (m *nowModule) Process(_ context.Context, _ *value.Map, outputs *value.Map, _ module.JobLog) error {
	return outputs.SetData("t", m.clock())
}

func toInt64(raw any) (int64, error) {
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", raw)
	}
}

// getInt reads an integer input field's staged data.
func getInt(m *value.Map, field string) (int64, error) {
	v := m.Get(field)
	if v == nil || !v.Status().HasData() {
		return 0, fmt.Errorf("field %q has no data", field)
	}
	return toInt64(v.Data())
}

// setInt stages an integer output field.
func setInt(m *value.Map, field string, v int64) error {
	return m.SetData(field, v)
}
