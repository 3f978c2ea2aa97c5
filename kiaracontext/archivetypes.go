package kiaracontext

import (
	"fmt"
	"sync"

	"github.com/kiara-data/kiara/archive"
	"github.com/kiara-data/kiara/archive/memory"
	"github.com/kiara-data/kiara/archive/sqlite"
)

// FullArchive is the capability set a context requires of any archive
// it binds to a marker: every backend must be usable wherever the
// DataRegistry, AliasRegistry, JobRegistry, or metadata calls need it,
// since a single marker (e.g. default_data_store) may be reused across
// roles in a small deployment (spec.md §4.10's per-archive capability
// subsets collapse onto one backend in the common case).
type FullArchive interface {
	archive.DataArchive
	archive.AliasArchive
	archive.JobRecordArchive
	archive.MetadataArchive
}

// ArchiveFactory constructs a FullArchive from a marker's configuration.
type ArchiveFactory func(cfg ArchiveMarkerConfig) (FullArchive, error)

// ArchiveTypeRegistry maps archive_type names to constructors, the same
// name->factory table shape as module.Registry (spec.md §4.3),
// generalized here from module types to archive backend types.
type ArchiveTypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]ArchiveFactory
}

// NewArchiveTypeRegistry creates an empty ArchiveTypeRegistry.
func NewArchiveTypeRegistry() *ArchiveTypeRegistry {
	return &ArchiveTypeRegistry{factories: make(map[string]ArchiveFactory)}
}

// Register installs a constructor for archiveType.
func (r *ArchiveTypeRegistry) Register(archiveType string, factory ArchiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[archiveType] = factory
}

// Create instantiates the archive bound to cfg.ArchiveType.
func (r *ArchiveTypeRegistry) Create(cfg ArchiveMarkerConfig) (FullArchive, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.ArchiveType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kiaracontext: unknown archive_type %q", cfg.ArchiveType)
	}
	return factory(cfg)
}

// RegisterBuiltinArchiveTypes installs the "memory" and "sqlite" backend
// types, the two concrete archive.Archive implementations in scope
// (spec.md §1; SPEC_FULL.md §4.10).
func RegisterBuiltinArchiveTypes(reg *ArchiveTypeRegistry) {
	reg.Register("memory", func(ArchiveMarkerConfig) (FullArchive, error) {
		return memory.New(), nil
	})
	reg.Register("sqlite", func(cfg ArchiveMarkerConfig) (FullArchive, error) {
		path, _ := cfg.Config["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("kiaracontext: sqlite archive_type requires config.path")
		}
		compression := archive.CompressionZstd
		if c, ok := cfg.Config["compression"].(string); ok && c != "" {
			compression = archive.Compression(c)
		}
		readOnly, _ := cfg.Config["read_only"].(bool)
		return sqlite.Open(path, compression, readOnly)
	})
}
