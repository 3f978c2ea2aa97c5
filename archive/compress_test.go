package archive

import (
	"bytes"
	"testing"
)

func TestCompressDecompress_RoundTrips(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated, repeated, repeated")
	for _, kind := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4, CompressionLZMA} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			compressed, err := Compress(payload, kind)
			if err != nil {
				t.Fatal(err)
			}
			out, err := Decompress(compressed, kind)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(out, payload) {
				t.Fatalf("round trip mismatch for %s: got %q", kind, out)
			}
		})
	}
}

func TestCompress_ZstdActuallyShrinksRepetitiveData(t *testing.T) {
	payload := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 64)
	compressed, err := Compress(payload, CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(payload) {
		t.Fatalf("expected zstd to shrink highly repetitive data, got %d >= %d", len(compressed), len(payload))
	}
}
