// Package archive defines Kiara's storage-backend abstraction (spec.md
// §4.10): capability-subset interfaces that a concrete backend (memory,
// sqlite) implements any non-empty combination of. Grounded on the
// teacher's optional-capability-interface pattern for plugins
// (plugin.BaseEnginePlugin plus optional SetStepRegistry/SetLogger
// setters detected via a type assertion in plugin/loader.go),
// generalized here from "optional setter interfaces on a plugin" to
// "optional capability interfaces on an archive".
package archive

import (
	"time"

	"github.com/kiara-data/kiara/hashkit"
)

// Compression selects the blob codec an archive uses for stored
// payloads (spec.md §4.10 "Compression options for creation").
type Compression string

const (
	CompressionZstd Compression = "zstd" // default
	CompressionNone Compression = "none"
	CompressionLZMA Compression = "lzma"
	CompressionLZ4  Compression = "lz4"
)

// Archive is the capability-agnostic identity and metadata surface
// every backend implements (spec.md §4.10 "All: archive_id,
// set_archive_metadata(k,v), read-only flag").
type Archive interface {
	ArchiveID() string
	ReadOnly() bool
	SetMetadata(key, value string) error
	GetMetadata(key string) (string, bool)
}

// StoredValue is the archive-facing representation of a Value: its
// identity, schema/status bookkeeping, pedigree, and serialized data
// blob (spec.md §4.10 "Data: store_value(value, data_blob),
// load_value_data(value_id)").
type StoredValue struct {
	ValueID    string
	SchemaHash hashkit.Digest
	ValueHash  hashkit.Digest
	TypeName   string
	Blob       []byte
}

// DataArchive is the capability subset for storing and retrieving
// value blobs (spec.md §4.10 "Data").
type DataArchive interface {
	Archive
	StoreValue(sv StoredValue) error
	LoadValueData(valueID string) ([]byte, error)
	ListValueIDs() ([]string, error)
	FindByHash(schemaHash, valueHash hashkit.Digest) (string, bool, error)
}

// AliasArchive is the capability subset backing the AliasRegistry
// (spec.md §4.10 "Alias").
type AliasArchive interface {
	Archive
	PutAlias(alias, valueID string) error
	GetAlias(alias string) (string, bool, error)
	DeleteAlias(alias string) error
	AliasesForValue(valueID string) ([]string, error)
	AllAliases() (map[string]string, error)
}

// JobRecordEntry is the archive-facing representation of a JobRecord
// (spec.md §3 "JobConfig / JobRecord").
type JobRecordEntry struct {
	JobID       string
	InputsHash  hashkit.Digest
	ManifestHash hashkit.Digest
	Inputs      map[string]string // field -> value_id
	Outputs     map[string]string // field -> value_id
	Status      string
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// JobRecordArchive is the capability subset backing the job cache
// lookup in spec.md §4.6 step 5 ("job_archive.find_by_inputs_hash").
type JobRecordArchive interface {
	Archive
	StoreJobRecord(rec JobRecordEntry) error
	FindByInputsHash(inputsHash hashkit.Digest) (JobRecordEntry, bool, error)
}

// MetadataArchive is the capability subset for free-form archive-level
// key/value metadata beyond the identity surface every Archive exposes
// (spec.md §4.10 "Metadata").
type MetadataArchive interface {
	Archive
}
