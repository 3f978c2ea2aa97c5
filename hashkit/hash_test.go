package hashkit

import "testing"

func TestHashOf_DeterministicAcrossMapOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": 1, "x": 2}}
	b := map[string]any{"c": map[string]any{"x": 2, "y": 1}, "a": 1, "b": 2}

	da, err := HashOf(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	db, err := HashOf(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}

	if da != db {
		t.Fatalf("expected equal digests for equivalent maps, got %s != %s", da, db)
	}
}

func TestHashOf_DifferentValuesDifferentDigest(t *testing.T) {
	da, _ := HashOf(map[string]any{"value": 5})
	db, _ := HashOf(map[string]any{"value": 6})
	if da == db {
		t.Fatal("expected different digests for different values")
	}
}

func TestHashFields_OrderIndependent(t *testing.T) {
	d1, err := HashFields("module_type", "const_int", "module_config", map[string]any{"value": 5})
	if err != nil {
		t.Fatal(err)
	}
	d2, err := HashFields("module_config", map[string]any{"value": 5}, "module_type", "const_int")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatal("expected HashFields to be independent of argument order")
	}
}

func TestDigest_StringRoundTripsHex(t *testing.T) {
	d, _ := HashOf("hello")
	s := d.String()
	if len(s) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %q", len(s), s)
	}
}

func TestCanonicalize_NFCNormalizesStrings(t *testing.T) {
	// decomposed: LATIN SMALL LETTER E (U+0065) + COMBINING ACUTE ACCENT (U+0301).
	decomposed := string([]rune{0x0065, 0x0301, 'c', 'o', 'l', 'e'})
	// precomposed: LATIN SMALL LETTER E WITH ACUTE (U+00E9).
	precomposed := string([]rune{0x00E9, 'c', 'o', 'l', 'e'})

	if decomposed == precomposed {
		t.Fatal("test fixture bug: decomposed and precomposed forms must differ byte-for-byte")
	}

	d1, err := HashOf(decomposed)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := HashOf(precomposed)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatal("expected NFC normalization to unify composed/decomposed forms")
	}
}
