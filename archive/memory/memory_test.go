package memory

import (
	"testing"

	"github.com/kiara-data/kiara/archive"
	"github.com/kiara-data/kiara/hashkit"
)

func TestArchive_StoreAndLoadValue(t *testing.T) {
	a := New()
	sv := archive.StoredValue{ValueID: "v1", SchemaHash: hashkit.Digest{1}, ValueHash: hashkit.Digest{2}, Blob: []byte("data")}
	if err := a.StoreValue(sv); err != nil {
		t.Fatal(err)
	}
	blob, err := a.LoadValueData("v1")
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != "data" {
		t.Fatalf("expected 'data', got %q", blob)
	}
	id, ok, err := a.FindByHash(hashkit.Digest{1}, hashkit.Digest{2})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != "v1" {
		t.Fatalf("expected v1, got %q ok=%v", id, ok)
	}
}

func TestArchive_ReadOnlyRejectsMutation(t *testing.T) {
	a := NewReadOnly(nil, nil)
	if err := a.StoreValue(archive.StoredValue{ValueID: "v1"}); err == nil {
		t.Fatal("expected error storing into a read-only archive")
	}
	if err := a.PutAlias("x", "v1"); err == nil {
		t.Fatal("expected error aliasing into a read-only archive")
	}
}

func TestArchive_AliasLifecycle(t *testing.T) {
	a := New()
	if err := a.PutAlias("main", "v1"); err != nil {
		t.Fatal(err)
	}
	id, ok, err := a.GetAlias("main")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != "v1" {
		t.Fatalf("expected v1, got %q", id)
	}
	aliases, err := a.AliasesForValue("v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(aliases) != 1 || aliases[0] != "main" {
		t.Fatalf("expected [main], got %v", aliases)
	}
	if err := a.DeleteAlias("main"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := a.GetAlias("main"); ok {
		t.Fatal("expected alias to be gone after delete")
	}
}

func TestArchive_JobRecordRoundTrip(t *testing.T) {
	a := New()
	hash := hashkit.Digest{9}
	rec := archive.JobRecordEntry{JobID: "j1", InputsHash: hash, Status: "COMPLETED"}
	if err := a.StoreJobRecord(rec); err != nil {
		t.Fatal(err)
	}
	got, ok, err := a.FindByInputsHash(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.JobID != "j1" {
		t.Fatalf("expected j1, got %+v", got)
	}
}
