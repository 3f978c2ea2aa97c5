package kiaracontext

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTypes() *ArchiveTypeRegistry {
	reg := NewArchiveTypeRegistry()
	RegisterBuiltinArchiveTypes(reg)
	return reg
}

func TestOpen_AutoFillsRequiredMarkersWithMemoryArchives(t *testing.T) {
	dir := t.TempDir()

	ctx, err := Open(dir, newTypes())
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	for _, marker := range RequiredMarkers {
		if _, ok := ctx.Archive(marker); !ok {
			t.Fatalf("expected marker %s to be auto-filled", marker)
		}
	}
	if ctx.ID == "" {
		t.Fatal("expected a generated context_id")
	}
	if ctx.Modules == nil || ctx.Data == nil || ctx.Jobs == nil || ctx.Operations == nil || ctx.Aliases == nil {
		t.Fatal("expected every core registry to be wired")
	}
}

func TestOpen_PersistsContextIDAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	ctx, err := Open(dir, newTypes())
	if err != nil {
		t.Fatal(err)
	}
	id := ctx.ID
	if err := ctx.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, newTypes())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.ID != id {
		t.Fatalf("expected context_id to persist, got %s vs %s", id, reopened.ID)
	}
}

func TestOpen_SecondOpenFailsWhileLockHeld(t *testing.T) {
	dir := t.TempDir()

	ctx, err := Open(dir, newTypes())
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	if _, err := Open(dir, newTypes()); err == nil {
		t.Fatal("expected second Open to fail while the lock is held")
	}
}

func TestOpen_ReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	// A PID that is vanishingly unlikely to be running right now.
	if err := os.WriteFile(lockPath, []byte("999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, err := Open(dir, newTypes())
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got %v", err)
	}
	defer ctx.Close()
}

func TestSeedEnvSettings_SplitsPrefixes(t *testing.T) {
	t.Setenv("KIARA_REGION", "us-east-1")
	t.Setenv("KIARA_SETTING_MAX_RETRIES", "3")

	dir := t.TempDir()
	ctx, err := Open(dir, newTypes())
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	if got := ctx.Settings["region"]; got != "us-east-1" {
		t.Fatalf("expected settings.region=us-east-1, got %q", got)
	}
	if got := ctx.RuntimeSettings["max_retries"]; got != "3" {
		t.Fatalf("expected runtime_settings.max_retries=3, got %q", got)
	}
	if _, ok := ctx.Settings["setting_max_retries"]; ok {
		t.Fatal("KIARA_SETTING_* must not also land in Settings")
	}
}

func TestParseConfigFile_ExplicitArchivesSurviveDefaultFill(t *testing.T) {
	doc := []byte(`
context_id: fixed-id
archives:
  default_data_store:
    archive_type: sqlite
    config:
      path: /tmp/does-not-matter.kiarchive
extra_pipelines:
  - ./pipelines/a.yaml
`)
	cfg, err := ParseConfigFile(doc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ContextID != "fixed-id" {
		t.Fatalf("expected explicit context_id to survive, got %q", cfg.ContextID)
	}
	if cfg.Archives["default_data_store"].ArchiveType != "sqlite" {
		t.Fatalf("expected explicit marker to survive default-fill, got %+v", cfg.Archives["default_data_store"])
	}
	for _, marker := range RequiredMarkers {
		if marker == "default_data_store" {
			continue
		}
		if cfg.Archives[marker].ArchiveType != "memory" {
			t.Fatalf("expected marker %s to be auto-filled with memory, got %+v", marker, cfg.Archives[marker])
		}
	}
	if len(cfg.ExtraPipelines) != 1 || cfg.ExtraPipelines[0] != "./pipelines/a.yaml" {
		t.Fatalf("expected extra_pipelines to round-trip, got %+v", cfg.ExtraPipelines)
	}
}

func TestStartConfigWatch_ReresolvesArchiveMarkersOnChange(t *testing.T) {
	dir := t.TempDir()
	ctx, err := Open(dir, newTypes())
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	stop, err := ctx.StartConfigWatch(newTypes(), WithWatchDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	sqlitePath := filepath.Join(t.TempDir(), "reload.kiarchive")
	doc := []byte(`
context_id: ` + ctx.ID + `
archives:
  default_data_store:
    archive_type: sqlite
    config:
      path: ` + sqlitePath + `
`)
	if err := os.WriteFile(filepath.Join(dir, configFileName), doc, 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ctx.Archive("default_data_store"); ok {
			if _, isSQLite := fileBacked(ctx); isSQLite {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("timed out waiting for config watcher to re-resolve default_data_store to sqlite")
}

// fileBacked reports whether the default_data_store marker currently
// resolves to something other than the original in-memory archive, by
// checking for a Close method the in-memory backend doesn't expose.
func fileBacked(ctx *Context) (FullArchive, bool) {
	a, ok := ctx.Archive("default_data_store")
	if !ok {
		return nil, false
	}
	_, isCloser := a.(interface{ Close() error })
	return a, isCloser
}
