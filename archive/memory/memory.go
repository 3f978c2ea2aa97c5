// Package memory implements an in-process archive.Archive backend
// implementing every capability subset at once — suitable for tests
// and for the default in-memory context described in spec.md §6.
// Grounded on the teacher's in-memory store.EventStore pattern (a
// mutex-guarded map standing in for a durable backend) generalized
// from events to values/aliases/job records.
package memory

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kiara-data/kiara/archive"
	"github.com/kiara-data/kiara/hashkit"
)

// Archive is a read-write, in-process implementation of every
// archive.* capability interface.
type Archive struct {
	mu       sync.RWMutex
	id       string
	readOnly bool
	metadata map[string]string

	values   map[string]archive.StoredValue
	byHash   map[string]string // schemaHash+valueHash -> value_id
	aliases  map[string]string // alias -> value_id
	jobs     map[string]archive.JobRecordEntry // inputs_hash hex -> record
}

// New creates an empty in-memory Archive with a freshly generated id.
func New() *Archive {
	return &Archive{
		id:       uuid.NewString(),
		metadata: make(map[string]string),
		values:   make(map[string]archive.StoredValue),
		byHash:   make(map[string]string),
		aliases:  make(map[string]string),
		jobs:     make(map[string]archive.JobRecordEntry),
	}
}

// NewReadOnly creates an in-memory Archive that rejects mutations,
// pre-seeded with the given values/aliases (spec.md §4.10 "Archives may
// be mounted read-only or read-write").
func NewReadOnly(values []archive.StoredValue, aliases map[string]string) *Archive {
	a := New()
	for _, v := range values {
		a.values[v.ValueID] = v
		a.byHash[hashKey(v.SchemaHash, v.ValueHash)] = v.ValueID
	}
	for alias, id := range aliases {
		a.aliases[alias] = id
	}
	a.readOnly = true
	return a
}

func hashKey(schemaHash, valueHash hashkit.Digest) string {
	return schemaHash.String() + "\x00" + valueHash.String()
}

func (a *Archive) ArchiveID() string { return a.id }
func (a *Archive) ReadOnly() bool    { return a.readOnly }

func (a *Archive) SetMetadata(key, value string) error {
	if a.readOnly {
		return fmt.Errorf("archive %s is read-only", a.id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata[key] = value
	return nil
}

func (a *Archive) GetMetadata(key string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.metadata[key]
	return v, ok
}

func (a *Archive) StoreValue(sv archive.StoredValue) error {
	if a.readOnly {
		return fmt.Errorf("archive %s is read-only", a.id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[sv.ValueID] = sv
	a.byHash[hashKey(sv.SchemaHash, sv.ValueHash)] = sv.ValueID
	return nil
}

func (a *Archive) LoadValueData(valueID string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sv, ok := a.values[valueID]
	if !ok {
		return nil, fmt.Errorf("archive %s: no such value %s", a.id, valueID)
	}
	return sv.Blob, nil
}

func (a *Archive) ListValueIDs() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.values))
	for id := range a.values {
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *Archive) FindByHash(schemaHash, valueHash hashkit.Digest) (string, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byHash[hashKey(schemaHash, valueHash)]
	return id, ok, nil
}

func (a *Archive) PutAlias(alias, valueID string) error {
	if a.readOnly {
		return fmt.Errorf("archive %s is read-only", a.id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aliases[alias] = valueID
	return nil
}

func (a *Archive) GetAlias(alias string) (string, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.aliases[alias]
	return id, ok, nil
}

func (a *Archive) DeleteAlias(alias string) error {
	if a.readOnly {
		return fmt.Errorf("archive %s is read-only", a.id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.aliases, alias)
	return nil
}

func (a *Archive) AliasesForValue(valueID string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for alias, id := range a.aliases {
		if id == valueID {
			out = append(out, alias)
		}
	}
	return out, nil
}

func (a *Archive) AllAliases() (map[string]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.aliases))
	for k, v := range a.aliases {
		out[k] = v
	}
	return out, nil
}

func (a *Archive) StoreJobRecord(rec archive.JobRecordEntry) error {
	if a.readOnly {
		return fmt.Errorf("archive %s is read-only", a.id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs[rec.InputsHash.String()] = rec
	return nil
}

func (a *Archive) FindByInputsHash(inputsHash hashkit.Digest) (archive.JobRecordEntry, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.jobs[inputsHash.String()]
	return rec, ok, nil
}

var (
	_ archive.DataArchive      = (*Archive)(nil)
	_ archive.AliasArchive     = (*Archive)(nil)
	_ archive.JobRecordArchive = (*Archive)(nil)
	_ archive.MetadataArchive  = (*Archive)(nil)
)
