package value

import (
	"testing"

	"github.com/kiara-data/kiara/hashkit"
)

func TestStatus_HasData(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusNotSet, false},
		{StatusNone, false},
		{StatusSet, true},
		{StatusDefault, true},
	}
	for _, tc := range cases {
		if got := tc.status.HasData(); got != tc.want {
			t.Errorf("%s.HasData() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestValue_DataHiddenWhenNotSet(t *testing.T) {
	v := New("v1", Schema{TypeName: "integer"}, StatusNotSet, 42, 0, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{})
	if got := v.Data(); got != nil {
		t.Fatalf("expected nil sentinel for NOT_SET, got %v", got)
	}
}

func TestValue_FreezeForbidsPropertyMutation(t *testing.T) {
	v := New("v1", Schema{TypeName: "integer"}, StatusSet, 42, 8, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{})
	if err := v.AddProperty("row_count", "v2", false); err != nil {
		t.Fatalf("expected AddProperty to succeed before freeze: %v", err)
	}
	v.Freeze(true)
	if err := v.AddProperty("another", "v3", false); err == nil {
		t.Fatal("expected AddProperty to fail after freeze")
	}
	if !v.IsFrozen() {
		t.Fatal("expected IsFrozen() to be true after Freeze")
	}
	if !v.IsPersisted() {
		t.Fatal("expected IsPersisted() to be true after Freeze(true)")
	}
}

func TestValue_AddPropertyRejectsFrozenProperty(t *testing.T) {
	v := New("v1", Schema{TypeName: "integer"}, StatusSet, 42, 8, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{})
	if err := v.AddProperty("row_count", "v2", true); err == nil {
		t.Fatal("expected AddProperty to reject an already-frozen property value")
	}
}

func TestPedigree_EqualIgnoresEnvironmentHashes(t *testing.T) {
	mh := hashkit.Digest{1, 2, 3}
	p1 := Pedigree{
		ManifestHash:      mh,
		Inputs:            map[string]ID{"a": "v1"},
		EnvironmentHashes: map[string]hashkit.Digest{"python": {9, 9}},
	}
	p2 := Pedigree{
		ManifestHash:      mh,
		Inputs:            map[string]ID{"a": "v1"},
		EnvironmentHashes: nil,
	}
	if !p1.Equal(p2) {
		t.Fatal("expected pedigrees with same manifest+inputs but different environment_hashes to be Equal")
	}
}

func TestPedigree_EqualDiffersOnInputs(t *testing.T) {
	mh := hashkit.Digest{1, 2, 3}
	p1 := Pedigree{ManifestHash: mh, Inputs: map[string]ID{"a": "v1"}}
	p2 := Pedigree{ManifestHash: mh, Inputs: map[string]ID{"a": "v2"}}
	if p1.Equal(p2) {
		t.Fatal("expected pedigrees with different inputs to differ")
	}
}

func TestSchema_Required(t *testing.T) {
	required := Schema{Optional: false}
	optional := Schema{Optional: true}
	withDefault := Schema{Optional: false, HasDefault: true}

	if !required.Required() {
		t.Error("expected schema without default/optional to be required")
	}
	if optional.Required() {
		t.Error("expected optional schema to not be required")
	}
	if withDefault.Required() {
		t.Error("expected schema with default to not be required")
	}
}

func TestMap_AllItemsValid(t *testing.T) {
	schema := map[string]Schema{
		"a": {TypeName: "integer"},
		"b": {TypeName: "integer", Optional: true},
	}
	m := NewMap(schema, []string{"a", "b"}, false)
	if m.AllItemsValid() {
		t.Fatal("expected AllItemsValid to be false before 'a' is set")
	}

	v := New("v1", schema["a"], StatusSet, 5, 8, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{})
	if err := m.Set("a", v); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !m.AllItemsValid() {
		t.Fatal("expected AllItemsValid to be true once required field 'a' is set")
	}
}

func TestMap_SetRejectsUnknownField(t *testing.T) {
	m := NewMap(map[string]Schema{"a": {TypeName: "integer"}}, []string{"a"}, false)
	v := New("v1", Schema{TypeName: "integer"}, StatusSet, 5, 8, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{})
	if err := m.Set("nonexistent", v); err == nil {
		t.Fatal("expected error setting a field outside the schema")
	}
}

func TestMap_ReadOnlyRejectsSet(t *testing.T) {
	m := NewMap(map[string]Schema{"a": {TypeName: "integer"}}, []string{"a"}, false)
	ro := m.ReadOnly()
	v := New("v1", Schema{TypeName: "integer"}, StatusSet, 5, 8, hashkit.Digest{}, Pedigree{}, "", DataTypeInfo{})
	if err := ro.Set("a", v); err == nil {
		t.Fatal("expected Set on read-only map to fail")
	}
}
