// Package dataregistry implements Kiara's DataRegistry (spec.md §4.7):
// registering raw data as content-addressed Values, persisting them
// into archives, and lazily materializing their payloads back out of
// storage. Grounded on spec.md §4.7 directly; the lazy-materialization
// cache follows the "Lazy data loading via property access" approach
// the design notes call for, implemented with a bounded
// hashicorp/golang-lru cache plus a per-value sync.Once the way the
// teacher guards one-time connection setup
// (cache/connection_pool.go's sync.Once-guarded dial path).
package dataregistry

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kiara-data/kiara/archive"
	"github.com/kiara-data/kiara/datatype"
	"github.com/kiara-data/kiara/value"
)

// materializationResult labels the cacheResultTotal counter below.
type materializationResult string

const (
	materializationCacheHit materializationResult = "cache_hit"
	materializationLoaded   materializationResult = "loaded_from_archive"
	materializationMissing  materializationResult = "not_found"
)

// cacheResultTotal counts outcomes of the lazy materialization path in
// materialize, distinguishing an LRU hit from a cold archive load versus
// a value absent from every registered archive.
var cacheResultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "kiara_dataregistry_materialization_total",
	Help: "Outcomes of lazily materializing a Value's data from the LRU cache or an archive.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(cacheResultTotal)
}

// Registry is Kiara's DataRegistry (spec.md §4.7).
type Registry struct {
	types *datatype.Registry

	mu       sync.RWMutex
	values   map[value.ID]*value.Value
	byKey    map[string]value.ID // "schemaHash\x00valueHash" -> id, for reuse_existing dedup
	archives []archive.DataArchive

	cache   *lru.Cache
	loadOne sync.Map // value.ID -> *sync.Once, guards lazy materialization
}

// New creates a DataRegistry. cacheSize bounds the number of
// lazily-materialized payloads held in memory at once (spec.md §4.7
// doesn't mandate a specific bound; the teacher's plugin cache
// (plugin/native_registry.go) similarly bounds an in-memory cache
// rather than holding everything unbounded).
func New(types *datatype.Registry, cacheSize int, archives ...archive.DataArchive) (*Registry, error) {
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("dataregistry: creating materialization cache: %w", err)
	}
	return &Registry{
		types:    types,
		values:   make(map[value.ID]*value.Value),
		byKey:    make(map[string]value.ID),
		archives: archives,
		cache:    c,
	}, nil
}

func semanticKey(schemaHash, valueHash [32]byte) string {
	return string(schemaHash[:]) + "\x00" + string(valueHash[:])
}

// RegisterData computes value_hash via the DataType for schema, and
// either reuses an existing Value with the same (schema_hash,
// value_hash) when reuseExisting is set, or mints a fresh one (spec.md
// §4.7 "register_data").
func (r *Registry) RegisterData(data any, schema value.Schema, pedigree value.Pedigree, pedigreeOutput string, reuseExisting bool) (*value.Value, error) {
	inst, err := r.types.GetInstance(schema.TypeName, datatype.TypeConfig(schema.TypeConfig))
	if err != nil {
		return nil, fmt.Errorf("dataregistry: %w", err)
	}
	if !inst.IsValid(data) {
		return nil, fmt.Errorf("dataregistry: data is not a valid %s", schema.TypeName)
	}
	valueHash, err := inst.Hash(data)
	if err != nil {
		return nil, fmt.Errorf("dataregistry: hashing data: %w", err)
	}
	schemaHash, err := schema.Hash()
	if err != nil {
		return nil, fmt.Errorf("dataregistry: hashing schema: %w", err)
	}

	key := semanticKey(schemaHash, valueHash)

	r.mu.Lock()
	if reuseExisting {
		if id, ok := r.byKey[key]; ok {
			v := r.values[id]
			r.mu.Unlock()
			return v, nil
		}
	}

	id := value.ID(uuid.NewString())
	size := inst.Size(data)
	info := value.DataTypeInfo{TypeName: schema.TypeName}
	v := value.New(id, schema, value.StatusSet, data, size, valueHash, pedigree, pedigreeOutput, info)
	r.values[id] = v
	r.byKey[key] = id
	r.mu.Unlock()

	if pedigreeOutput != "" {
		if err := r.declareSizeProperty(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// StoreValue persists v into arc, freezing it (spec.md §4.7
// "store_value ... persists ... freezing it; idempotent per archive").
func (r *Registry) StoreValue(v *value.Value, arc archive.DataArchive) error {
	schemaHash, valueHash, err := v.SemanticKey()
	if err != nil {
		return err
	}
	inst, err := r.types.GetInstance(v.Schema().TypeName, datatype.TypeConfig(v.Schema().TypeConfig))
	if err != nil {
		return fmt.Errorf("dataregistry: %w", err)
	}
	blob, err := inst.Serialize(v.Data())
	if err != nil {
		return fmt.Errorf("dataregistry: serializing value %s: %w", v.ID(), err)
	}
	if err := arc.StoreValue(archive.StoredValue{
		ValueID:    string(v.ID()),
		SchemaHash: schemaHash,
		ValueHash:  valueHash,
		TypeName:   v.Schema().TypeName,
		Blob:       blob,
	}); err != nil {
		return err
	}
	v.Freeze(true)
	return nil
}

// LoadValues resolves refs (field -> a value_ref: a bare value_id in
// this core implementation; alias/archive-scoped resolution is layered
// on top by the operation/context wiring per spec.md §6 "ALIAS /
// ARCHIVE#ALIAS") into a read-only ValueMap (spec.md §4.7
// "load_values").
func (r *Registry) LoadValues(refs map[string]string, schema map[string]value.Schema) (*value.Map, error) {
	fieldOrder := make([]string, 0, len(schema))
	for f := range schema {
		fieldOrder = append(fieldOrder, f)
	}
	m := value.NewMap(schema, fieldOrder, false)
	for field, ref := range refs {
		v, err := r.Get(value.ID(ref))
		if err != nil {
			return nil, fmt.Errorf("dataregistry: loading field %q: %w", field, err)
		}
		if err := m.Set(field, v); err != nil {
			return nil, err
		}
	}
	return m.ReadOnly(), nil
}

// Get returns the Value for id, lazily materializing its data from the
// first archive that holds it if it isn't already resident in memory
// (spec.md §4.7 invariant: "a Value's data must be retrievable as long
// as at least one archive holding it is registered").
func (r *Registry) Get(id value.ID) (*value.Value, error) {
	r.mu.RLock()
	v, ok := r.values[id]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}
	return r.materialize(id)
}

func (r *Registry) materialize(id value.ID) (*value.Value, error) {
	onceAny, _ := r.loadOne.LoadOrStore(id, &sync.Once{})
	once := onceAny.(*sync.Once)

	var loadErr error
	once.Do(func() {
		if cached, ok := r.cache.Get(id); ok {
			cacheResultTotal.WithLabelValues(string(materializationCacheHit)).Inc()
			r.mu.Lock()
			r.values[id] = cached.(*value.Value)
			r.mu.Unlock()
			return
		}
		for _, arc := range r.archives {
			blob, err := arc.LoadValueData(string(id))
			if err != nil {
				continue
			}
			// Type info isn't recoverable from a bare blob without a
			// side channel; callers needing full schema fidelity go
			// through LoadValues with an explicit schema instead.
			v := value.New(id, value.Schema{}, value.StatusSet, blob, int64(len(blob)), [32]byte{}, value.Pedigree{}, "", value.DataTypeInfo{})
			r.cache.Add(id, v)
			cacheResultTotal.WithLabelValues(string(materializationLoaded)).Inc()
			r.mu.Lock()
			r.values[id] = v
			r.mu.Unlock()
			return
		}
		cacheResultTotal.WithLabelValues(string(materializationMissing)).Inc()
		loadErr = fmt.Errorf("dataregistry: value %s not found in any registered archive", id)
	})
	if loadErr != nil {
		r.loadOne.Delete(id)
		return nil, loadErr
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[id]
	if !ok {
		return nil, fmt.Errorf("dataregistry: value %s not found", id)
	}
	return v, nil
}

// FindDestinyForValue returns, keyed by the property path under which it
// was declared, the id of every value that has declared id as one of its
// properties (spec.md §4.7 "find_destinies_for_value ... returns aliases
// of values that have declared this value as a property/destiny").
func (r *Registry) FindDestinyForValue(id value.ID) (map[string]value.ID, error) {
	r.mu.RLock()
	v, ok := r.values[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dataregistry: unknown value %s", id)
	}
	backlinks := v.DestinyBacklinks()
	out := make(map[string]value.ID, len(backlinks))
	for from, path := range backlinks {
		out[path] = from
	}
	return out, nil
}

// DeclareProperty records that propertyID is a named property of
// parentID, linking both directions: Value.AddProperty on the parent and
// Value.AddDestinyBacklink on the property, so FindDestinyForValue can
// later resolve the property back to its owner (spec.md §3 "A Value
// carries properties ... via property_links"; spec.md §4.7 "tracks
// property links"). Fails if either value is unknown or the parent is
// already frozen.
func (r *Registry) DeclareProperty(parentID value.ID, path string, propertyID value.ID) error {
	r.mu.RLock()
	parent, ok := r.values[parentID]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("dataregistry: unknown value %s", parentID)
	}
	prop, ok := r.values[propertyID]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("dataregistry: unknown value %s", propertyID)
	}
	r.mu.RUnlock()

	if err := parent.AddProperty(path, propertyID, prop.IsFrozen()); err != nil {
		return err
	}
	prop.AddDestinyBacklink(parentID, path)
	return nil
}

// declareSizeProperty registers a module-produced output's byte size as
// its own queryable property Value (spec.md §3's own example, "row count
// of a table", generalized here to value_size — the one size-like figure
// every DataType already reports via Size). Raw, not-yet-produced data
// (pedigreeOutput == "", e.g. pipeline-input registration) is left alone:
// only values a module actually declared as an output get a size
// property, so constant/default preloading never races a step's own
// RegisterData call over the same property path.
func (r *Registry) declareSizeProperty(parent *value.Value) error {
	sizeValue, err := r.RegisterData(parent.Size(), value.Schema{TypeName: "integer"}, value.Pedigree{}, "", true)
	if err != nil {
		return fmt.Errorf("dataregistry: registering size property for %s: %w", parent.ID(), err)
	}
	return r.DeclareProperty(parent.ID(), "size", sizeValue.ID())
}

// RetrieveAllAvailableValueIDs returns the union of value ids across
// every registered archive plus any in-memory-only (unpersisted)
// values (spec.md §4.7 "retrieve_all_available_value_ids").
func (r *Registry) RetrieveAllAvailableValueIDs() ([]value.ID, error) {
	seen := make(map[value.ID]bool)
	r.mu.RLock()
	for id := range r.values {
		seen[id] = true
	}
	r.mu.RUnlock()

	for _, arc := range r.archives {
		ids, err := arc.ListValueIDs()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[value.ID(id)] = true
		}
	}

	out := make([]value.ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}
