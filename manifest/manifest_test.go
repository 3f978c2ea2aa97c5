package manifest

import "testing"

func TestManifest_HashDeterministic(t *testing.T) {
	m1 := Manifest{ModuleType: "const_int", ModuleConfig: Config{"value": 5}}
	m2 := Manifest{ModuleType: "const_int", ModuleConfig: Config{"value": 5}}

	h1, err := m1.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m2.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("expected identical manifests to hash identically")
	}
}

func TestManifest_HashDiffersOnConfig(t *testing.T) {
	m1 := Manifest{ModuleType: "const_int", ModuleConfig: Config{"value": 5}}
	m2 := Manifest{ModuleType: "const_int", ModuleConfig: Config{"value": 6}}

	h1, _ := m1.Hash()
	h2, _ := m2.Hash()
	if h1 == h2 {
		t.Fatal("expected manifests with different config to hash differently")
	}
}

func TestManifest_NilConfigMatchesEmptyConfig(t *testing.T) {
	m1 := Manifest{ModuleType: "now"}
	m2 := Manifest{ModuleType: "now", ModuleConfig: Config{}}

	h1, _ := m1.Hash()
	h2, _ := m2.Hash()
	if h1 != h2 {
		t.Fatal("expected nil ModuleConfig to hash the same as an empty one")
	}
}
