// Package job implements the JobRegistry execute() protocol from
// spec.md §4.6: resolve/validate/hash inputs, consult the job cache,
// instantiate and run the module, finalize outputs, and record the
// result — plus the async API (queue/status/wait_for/retrieve_result,
// spec.md §4.6/§5) built on top of the same Record bookkeeping.
// Grounded on spec.md §4.6's numbered protocol directly; the
// dedup/worker shape draws on the teacher's "register, then drive"
// engine structure (engine.go's BuildFromConfig feeding a pool of
// handlers) generalized to asynchronous job dispatch. Concurrency
// dedup uses golang.org/x/sync/singleflight keyed by inputs_hash for
// Execute's blocking callers — the spec's own "singleflight" term (§8
// scenario 6) — and a bounded worker-pool semaphore for Queue's
// background dispatch (spec.md §5 "a worker pool (bounded) that
// executes module process calls").
package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kiara-data/kiara/archive"
	"github.com/kiara-data/kiara/dataregistry"
	"github.com/kiara-data/kiara/hashkit"
	"github.com/kiara-data/kiara/kerrors"
	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/value"
)

var tracer = otel.Tracer("github.com/kiara-data/kiara/job")

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiara_job_executions_total",
		Help: "Total module executions, partitioned by module type and outcome.",
	}, []string{"module_type", "outcome"})
	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiara_job_cache_hits_total",
		Help: "Total job-cache lookups that resolved to a usable cached result.",
	}, []string{"module_type"})
	executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiara_job_execution_duration_seconds",
		Help:    "Wall-clock duration of module.Process calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"module_type"})
)

func init() {
	prometheus.MustRegister(executionsTotal, cacheHitsTotal, executionDuration)
}

// Status is a JobRecord's lifecycle status.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Config is JobConfig: a manifest plus resolved input value ids,
// fingerprinted by InputsHash (spec.md §3 "JobConfig / JobRecord").
type Config struct {
	Manifest manifest.Manifest
	Inputs   map[string]value.ID
}

// InputsHash computes hash(manifest_hash, canonical(sorted inputs))
// (spec.md §3).
func (c Config) InputsHash() (hashkit.Digest, error) {
	mh, err := c.Manifest.Hash()
	if err != nil {
		return hashkit.Digest{}, err
	}
	sorted := make(map[string]string, len(c.Inputs))
	for field, id := range c.Inputs {
		sorted[field] = string(id)
	}
	return hashkit.HashFields("manifest_hash", mh.String(), "inputs", sorted)
}

// Record is JobRecord: a Config plus resolved outputs, status,
// timestamps, and an append-only log (spec.md §3). Status/Outputs/Err/
// FinishedAt are mutated from the goroutine that runs the job, so
// readers must go through Registry.Status/Get rather than touching
// these fields directly while a job may still be in flight.
type Record struct {
	JobID      string
	Config     Config
	InputsHash hashkit.Digest
	Outputs    map[string]value.ID
	Status     Status
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Log        []string
	Err        error

	mu        sync.Mutex
	cancelled bool
	done      chan struct{} // closed exactly once, when Status reaches a terminal value
}

// Cancel requests cancellation of a queued-but-not-started job. An
// in-flight job cannot be forcibly terminated — cancellation is
// cooperative (spec.md §4.6 "Cancellation").
func (r *Record) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *Record) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Record) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Log = append(r.Log, fmt.Sprintf(format, args...))
}

// start transitions a queued Record to RUNNING.
func (r *Record) start() {
	r.mu.Lock()
	r.Status = StatusRunning
	r.StartedAt = time.Now()
	r.mu.Unlock()
}

// finish records a terminal outcome and wakes every WaitFor/
// RetrieveResult caller blocked on r.done. Must be called exactly once
// per Record.
func (r *Record) finish(status Status, outputs map[string]value.ID, err error) {
	r.mu.Lock()
	r.Status = status
	r.Outputs = outputs
	r.Err = err
	r.FinishedAt = time.Now()
	r.mu.Unlock()
	close(r.done)
}

// snapshot returns a consistent (status, outputs, err) triple.
func (r *Record) snapshot() (Status, map[string]value.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status, r.Outputs, r.Err
}

// defaultWorkerPoolSize bounds concurrent Queue dispatches actually
// running module.Process at once (spec.md §5 "a worker pool (bounded)
// that executes module process calls").
const defaultWorkerPoolSize = 8

// Registry is Kiara's JobRegistry (spec.md §4.6), keyed by inputs_hash.
type Registry struct {
	modules *module.Registry
	data    *dataregistry.Registry
	jobArc  archive.JobRecordArchive // nil: no job cache persistence
	dataArc archive.DataArchive      // where finalized outputs are stored

	sf        singleflight.Group // dedups Execute's blocking callers
	workerSem chan struct{}      // bounds concurrent Queue dispatches

	mu       sync.RWMutex
	records  map[string]*Record // job_id -> record
	byHash   map[string]string  // inputs_hash hex -> job_id, idempotent + completed
	inFlight map[string]string  // inputs_hash hex -> job_id, idempotent + queued/running
}

// New creates a JobRegistry. jobArc/dataArc may be nil, in which case
// executions are never cached or persisted (still correct, just
// without reuse across process restarts).
func New(modules *module.Registry, data *dataregistry.Registry, jobArc archive.JobRecordArchive, dataArc archive.DataArchive) *Registry {
	return &Registry{
		modules:   modules,
		data:      data,
		jobArc:    jobArc,
		dataArc:   dataArc,
		records:   make(map[string]*Record),
		byHash:    make(map[string]string),
		inFlight:  make(map[string]string),
		workerSem: make(chan struct{}, defaultWorkerPoolSize),
	}
}

// Execute runs spec.md §4.6's execute() protocol synchronously: augment
// with constants/defaults is the caller's responsibility via the
// pipeline layer (the runtime always supplies already-resolved field ->
// value_id inputs), so this implements steps 3-10: validate, hash,
// cache lookup, instantiate+run, finalize, record. Concurrent callers
// sharing an inputs_hash block together on r.sf and observe one
// execution (spec.md §8 scenario 6 "singleflight"); use Queue instead
// when the caller must not block.
func (r *Registry) Execute(ctx context.Context, m manifest.Manifest, inputIDs map[string]value.ID) (map[string]value.ID, error) {
	ctx, span := tracer.Start(ctx, "job.Execute", traceAttrs(m.ModuleType)...)
	defer span.End()

	mod, err := r.modules.Create(m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// module.Create already returns a kerrors-typed error
		// (UnknownModuleType or InvalidManifestConfig); propagate its
		// kind rather than collapsing both into one.
		return nil, fmt.Errorf("job.Execute: %w", err)
	}

	inMap, err := r.resolveInputs(mod, inputIDs)
	if err != nil {
		return nil, err
	}

	cfg := Config{Manifest: m, Inputs: inputIDs}
	inputsHash, err := cfg.InputsHash()
	if err != nil {
		return nil, fmt.Errorf("job: computing inputs_hash: %w", err)
	}
	idempotent := mod.Characteristics().IsIdempotent

	if idempotent {
		if outputs, ok := r.tryJobCache(m, inputsHash); ok {
			span.SetAttributes(attribute.Bool("kiara.cache_hit", true))
			return outputs, nil
		}
	}

	// Non-idempotent modules never join the singleflight group keyed by
	// inputs_hash: each call must produce its own fresh JobRecord
	// (spec.md §8 scenario 4).
	if !idempotent {
		rec := r.newRecord(cfg, inputsHash)
		outputs, err := r.runOnce(ctx, m, mod, cfg, inMap, inputsHash, idempotent, rec)
		r.finishAfterRunOnce(rec, outputs, err)
		return outputs, err
	}

	v, err, _ := r.sf.Do(inputsHash.String(), func() (any, error) {
		// A previous leader may have finished (and stored its record)
		// between the cache lookup above and this call joining r.sf.
		if outputs, ok := r.tryJobCache(m, inputsHash); ok {
			return outputs, nil
		}
		rec := r.newRecord(cfg, inputsHash)
		outputs, procErr := r.runOnce(ctx, m, mod, cfg, inMap, inputsHash, idempotent, rec)
		r.finishAfterRunOnce(rec, outputs, procErr)
		if procErr != nil {
			return nil, procErr
		}
		return outputs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]value.ID), nil
}

// Queue enqueues m for asynchronous execution and returns immediately
// with a job_id (spec.md §4.6 Async API "queue(manifest, inputs) →
// job_id", §5 "queue returns immediately"). Idempotent modules dedup
// against any job already queued/running or cached for the same
// inputs_hash and return its existing job_id instead of starting a
// second execution (spec.md §5 "a map inputs_hash → JobHandle ...
// implementing singleflight"); non-idempotent modules always get a
// fresh job (spec.md §8 scenario 4).
func (r *Registry) Queue(ctx context.Context, m manifest.Manifest, inputIDs map[string]value.ID) (string, error) {
	mod, err := r.modules.Create(m)
	if err != nil {
		return "", fmt.Errorf("job.Queue: %w", err)
	}

	inMap, err := r.resolveInputs(mod, inputIDs)
	if err != nil {
		return "", err
	}

	cfg := Config{Manifest: m, Inputs: inputIDs}
	inputsHash, err := cfg.InputsHash()
	if err != nil {
		return "", fmt.Errorf("job: computing inputs_hash: %w", err)
	}
	idempotent := mod.Characteristics().IsIdempotent
	key := inputsHash.String()

	if idempotent {
		r.mu.RLock()
		id, inFlightOK := r.inFlight[key]
		if !inFlightOK {
			id, inFlightOK = r.byHash[key]
		}
		r.mu.RUnlock()
		if inFlightOK {
			return id, nil
		}
		// No in-memory record under this inputs_hash yet: check the
		// job-record archive for one left over from a prior process
		// (spec.md §7 job cache persists across restarts).
		if id, ok := r.persistedJobID(m, inputsHash); ok {
			return id, nil
		}
	}

	r.mu.Lock()
	if idempotent {
		if id, ok := r.inFlight[key]; ok {
			r.mu.Unlock()
			return id, nil
		}
		if id, ok := r.byHash[key]; ok {
			r.mu.Unlock()
			return id, nil
		}
	}
	rec := &Record{
		JobID:      uuid.NewString(),
		Config:     cfg,
		InputsHash: inputsHash,
		Status:     StatusQueued,
		QueuedAt:   time.Now(),
		done:       make(chan struct{}),
	}
	r.records[rec.JobID] = rec
	if idempotent {
		r.inFlight[key] = rec.JobID
	}
	r.mu.Unlock()

	go r.dispatch(ctx, m, mod, cfg, inMap, inputsHash, idempotent, rec)
	return rec.JobID, nil
}

// Status returns jobID's current lifecycle status.
func (r *Registry) Status(jobID string) (Status, bool) {
	r.mu.RLock()
	rec, ok := r.records[jobID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	status, _, _ := rec.snapshot()
	return status, true
}

// Cancel requests cancellation of jobID (spec.md §4.6 "Cancellation").
// A queued-but-not-started job is cancelled before its module ever
// runs; an in-flight job only observes the request cooperatively
// through its job_log.
func (r *Registry) Cancel(jobID string) error {
	r.mu.RLock()
	rec, ok := r.records[jobID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job: unknown job %s", jobID)
	}
	rec.Cancel()
	return nil
}

// WaitFor blocks until every job in jobIDs reaches a terminal status
// (COMPLETED, FAILED, CANCELLED) or ctx is done, whichever comes first
// (spec.md §5 "wait_for ... block[s] until completion or
// cancellation"; "a wait_for(timeout) returns a timeout error without
// affecting the job's actual progress").
func (r *Registry) WaitFor(ctx context.Context, jobIDs ...string) error {
	for _, id := range jobIDs {
		r.mu.RLock()
		rec, ok := r.records[id]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("job: unknown job %s", id)
		}
		select {
		case <-rec.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RetrieveResult blocks (as WaitFor does) until jobID reaches a
// terminal status, then returns its output ValueMap ids (spec.md §4.6
// Async API "retrieve_result(job_id) → ValueMap").
func (r *Registry) RetrieveResult(ctx context.Context, jobID string) (map[string]value.ID, error) {
	if err := r.WaitFor(ctx, jobID); err != nil {
		return nil, err
	}
	r.mu.RLock()
	rec, ok := r.records[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job: unknown job %s", jobID)
	}
	status, outputs, jobErr := rec.snapshot()
	switch status {
	case StatusCompleted:
		return outputs, nil
	case StatusFailed:
		return nil, jobErr
	case StatusCancelled:
		return nil, fmt.Errorf("job: %s was cancelled", jobID)
	default:
		return nil, fmt.Errorf("job: %s ended in unexpected status %s", jobID, status)
	}
}

// dispatch is Queue's background half: wait for a worker slot, honor a
// cancellation requested before the job ever started, run it, and
// record the terminal outcome on rec.
func (r *Registry) dispatch(ctx context.Context, m manifest.Manifest, mod module.Module, cfg Config, inMap *value.Map, inputsHash hashkit.Digest, idempotent bool, rec *Record) {
	key := inputsHash.String()
	if idempotent {
		defer func() {
			r.mu.Lock()
			if r.inFlight[key] == rec.JobID {
				delete(r.inFlight, key)
			}
			r.mu.Unlock()
		}()
	}

	select {
	case r.workerSem <- struct{}{}:
		defer func() { <-r.workerSem }()
	case <-ctx.Done():
		rec.finish(StatusCancelled, nil, ctx.Err())
		return
	}

	if rec.Cancelled() {
		rec.finish(StatusCancelled, nil, fmt.Errorf("job: %s cancelled before starting", rec.JobID))
		return
	}

	rec.start()
	outputs, err := r.runOnce(ctx, m, mod, cfg, inMap, inputsHash, idempotent, rec)
	if err != nil {
		status := StatusFailed
		if rec.Cancelled() {
			status = StatusCancelled
		}
		rec.finish(status, nil, err)
		return
	}
	rec.finish(StatusCompleted, outputs, nil)
}

// resolveInputs builds and validates the ValueMap mod.Process reads
// from, resolving each field -> value_id through the data registry
// (spec.md §4.6 steps 1-3).
func (r *Registry) resolveInputs(mod module.Module, inputIDs map[string]value.ID) (*value.Map, error) {
	inMap := value.NewMap(mod.InputsSchema(), nil, false)
	for field, id := range inputIDs {
		v, err := r.data.Get(id)
		if err != nil {
			return nil, fmt.Errorf("job: resolving input %q: %w", field, err)
		}
		if err := inMap.Set(field, v); err != nil {
			return nil, err
		}
	}
	if !inMap.AllItemsValid() {
		return nil, &kerrors.InputValuesError{Fields: inMap.InvalidFields()}
	}
	return inMap, nil
}

// tryJobCache looks up a completed job for inputsHash in the job-record
// archive and resolves its outputs, treating an unresolvable hit as a
// miss (spec.md §7 "Cached outputs unresolvable ... treat as cache
// miss, log, re-execute").
func (r *Registry) tryJobCache(m manifest.Manifest, inputsHash hashkit.Digest) (map[string]value.ID, bool) {
	if r.jobArc == nil {
		return nil, false
	}
	cached, ok, err := r.jobArc.FindByInputsHash(inputsHash)
	if err != nil || !ok {
		return nil, false
	}
	outputs, ok := r.resolveCachedOutputs(cached)
	if !ok {
		return nil, false
	}
	cacheHitsTotal.WithLabelValues(m.ModuleType).Inc()
	return outputs, true
}

// persistedJobID is tryJobCache wrapped in a completed, already-done
// Record, so Queue can hand back a job_id for a cache hit the same way
// it does for a live dispatch. Double-checks byHash before minting a new
// Record, so two callers racing this path for the same inputs_hash never
// mint two distinct job ids for what is really one cached outcome.
func (r *Registry) persistedJobID(m manifest.Manifest, inputsHash hashkit.Digest) (string, bool) {
	key := inputsHash.String()
	outputs, ok := r.tryJobCache(m, inputsHash)
	if !ok {
		return "", false
	}
	now := time.Now()
	rec := &Record{
		JobID:      uuid.NewString(),
		InputsHash: inputsHash,
		Status:     StatusCompleted,
		QueuedAt:   now,
		StartedAt:  now,
		FinishedAt: now,
		Outputs:    outputs,
		done:       make(chan struct{}),
	}
	close(rec.done)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byHash[key]; ok {
		return id, true
	}
	r.records[rec.JobID] = rec
	r.byHash[key] = rec.JobID
	return rec.JobID, true
}

// newRecord allocates and registers a fresh RUNNING Record for a
// synchronous Execute call (only one is created per distinct
// inputs_hash group: concurrent idempotent callers share the one the
// singleflight leader creates).
func (r *Registry) newRecord(cfg Config, inputsHash hashkit.Digest) *Record {
	rec := &Record{
		JobID:      uuid.NewString(),
		Config:     cfg,
		InputsHash: inputsHash,
		Status:     StatusRunning,
		QueuedAt:   time.Now(),
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	r.mu.Lock()
	r.records[rec.JobID] = rec
	r.mu.Unlock()
	return rec
}

func (r *Registry) finishAfterRunOnce(rec *Record, outputs map[string]value.ID, err error) {
	if err != nil {
		rec.finish(StatusFailed, nil, err)
		return
	}
	rec.finish(StatusCompleted, outputs, nil)
}

// runOnce actually instantiates and runs mod, finalizing and caching
// its outputs (spec.md §4.6 steps 4-10). rec must already be stored in
// r.records; runOnce logs into it but leaves the terminal status/
// outputs/done-close to the caller (finishAfterRunOnce or dispatch),
// so a single Record is finished exactly once regardless of which path
// created it.
func (r *Registry) runOnce(ctx context.Context, m manifest.Manifest, mod module.Module, cfg Config, inMap *value.Map, inputsHash hashkit.Digest, idempotent bool, rec *Record) (map[string]value.ID, error) {
	rec.Logf("executing %s with inputs %v", m.ModuleType, sortedFields(cfg.Inputs))

	manifestHash, err := m.Hash()
	if err != nil {
		return nil, err
	}
	pedigree := value.Pedigree{ManifestHash: manifestHash, Inputs: cfg.Inputs}

	outMap := value.NewMap(mod.OutputsSchema(), nil, false)

	start := time.Now()
	procErr := mod.Process(ctx, inMap, outMap, rec)
	executionDuration.WithLabelValues(m.ModuleType).Observe(time.Since(start).Seconds())

	if procErr != nil {
		executionsTotal.WithLabelValues(m.ModuleType, "failed").Inc()
		return nil, &kerrors.FailedJobError{JobID: rec.JobID, Reason: procErr.Error()}
	}

	outputs := make(map[string]value.ID, len(mod.OutputsSchema()))
	outputIDStrs := make(map[string]string, len(mod.OutputsSchema()))
	for field, schema := range mod.OutputsSchema() {
		staged := outMap.Get(field)
		if staged == nil || staged.Status() == value.StatusNotSet {
			return nil, fmt.Errorf("job: module %q did not produce output %q", m.ModuleType, field)
		}
		if staged.Status() == value.StatusNone {
			outputs[field] = ""
			continue
		}
		v, err := r.data.RegisterData(staged.Data(), schema, pedigree, field, true)
		if err != nil {
			return nil, fmt.Errorf("job: finalizing output %q: %w", field, err)
		}
		if r.dataArc != nil {
			if err := r.data.StoreValue(v, r.dataArc); err != nil {
				return nil, fmt.Errorf("job: persisting output %q: %w", field, err)
			}
		}
		outputs[field] = v.ID()
		outputIDStrs[field] = string(v.ID())
	}

	executionsTotal.WithLabelValues(m.ModuleType, "completed").Inc()

	if idempotent && r.jobArc != nil {
		entry := archive.JobRecordEntry{
			JobID:        rec.JobID,
			InputsHash:   inputsHash,
			ManifestHash: manifestHash,
			Inputs:       idMapToStrings(cfg.Inputs),
			Outputs:      outputIDStrs,
			Status:       string(StatusCompleted),
			StartedAt:    rec.StartedAt,
			FinishedAt:   time.Now(),
		}
		if err := r.jobArc.StoreJobRecord(entry); err != nil {
			rec.Logf("job cache store failed: %v", err)
		}
		r.mu.Lock()
		r.byHash[inputsHash.String()] = rec.JobID
		r.mu.Unlock()
	}

	return outputs, nil
}

func (r *Registry) resolveCachedOutputs(entry archive.JobRecordEntry) (map[string]value.ID, bool) {
	outputs := make(map[string]value.ID, len(entry.Outputs))
	for field, idStr := range entry.Outputs {
		id := value.ID(idStr)
		if _, err := r.data.Get(id); err != nil {
			return nil, false
		}
		outputs[field] = id
	}
	return outputs, true
}

func idMapToStrings(in map[string]value.ID) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = string(v)
	}
	return out
}

func traceAttrs(moduleType string) []trace.SpanStartOption {
	return []trace.SpanStartOption{trace.WithAttributes(attribute.String("kiara.module_type", moduleType))}
}

// Get returns the JobRecord for jobID.
func (r *Registry) Get(jobID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[jobID]
	return rec, ok
}

// sortedFields is a small helper kept for parity with the canonical
// sorted-inputs framing in spec.md §3; hashkit.HashFields already sorts
// map keys internally, so callers needing an ordered field list for
// logging can reuse this instead of re-deriving it.
func sortedFields(m map[string]value.ID) []string {
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
