package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kiara-data/kiara/dataregistry"
	"github.com/kiara-data/kiara/job"
	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/pipeline"
	"github.com/kiara-data/kiara/value"
	"golang.org/x/sync/errgroup"
)

// Status is a step's per-input/output readiness, per spec.md §4.5.
type Status string

const (
	StatusInputsInvalid Status = "INPUTS_INVALID"
	StatusInputsReady    Status = "INPUTS_READY"
	StatusResultsReady   Status = "RESULTS_READY"
)

// JobExecutor is the narrow surface ProcessStep/ProcessStage need from
// the job registry today: run a manifest instance against bound inputs
// and get back bound outputs synchronously (spec.md §4.6's execute()
// protocol).
type JobExecutor interface {
	Execute(ctx context.Context, m manifest.Manifest, inputs map[string]value.ID) (map[string]value.ID, error)
}

// AsyncJobExecutor is the optional async seam spec.md §4.6's "Async API"
// (queue/status/wait_for/retrieve_result) adds on top of JobExecutor. It's
// kept separate from JobExecutor, rather than folded into it, so a minimal
// synchronous-only JobExecutor (as used in tests) still satisfies the
// interface ProcessStep needs; a real *job.Registry satisfies both. Use
// AsyncJobs to recover it when a future scheduler wants to dispatch steps
// without blocking a worker goroutine on process().
type AsyncJobExecutor interface {
	Queue(ctx context.Context, m manifest.Manifest, inputs map[string]value.ID) (string, error)
	Status(jobID string) (job.Status, bool)
	WaitFor(ctx context.Context, jobIDs ...string) error
	RetrieveResult(ctx context.Context, jobID string) (map[string]value.ID, error)
}

// Runtime holds live value-slot bindings for one Structure and
// propagates changes through it (spec.md §4.5 "Pipeline runtime").
type Runtime struct {
	structure *pipeline.Structure
	data      *dataregistry.Registry
	jobs      JobExecutor
	bus       *EventBus

	mu              sync.RWMutex
	slots           map[string]value.ID // ref path -> bound value id
	lastInputSig    map[string]string   // step id -> signature of inputs at last successful execution
}

// New creates a Runtime for structure, backed by data for raw-input
// registration and jobs for step execution. Every pipeline input whose
// schema carries a default (whether from a step's module_config.constants
// or module_config.defaults, spec.md §4.4) is registered as a real Value
// and seeded into its slot immediately, so a step that actually declares
// one never sees an unset slot at dispatch time (spec.md §4.4 "preloaded").
func New(structure *pipeline.Structure, data *dataregistry.Registry, jobs JobExecutor) (*Runtime, error) {
	r := &Runtime{
		structure:    structure,
		data:         data,
		jobs:         jobs,
		bus:          NewEventBus(),
		slots:        make(map[string]value.ID),
		lastInputSig: make(map[string]string),
	}
	if err := r.preloadConstantsAndDefaults(); err != nil {
		return nil, err
	}
	return r, nil
}

// preloadConstantsAndDefaults registers every pipeline input whose schema
// has a default as a Value and binds it into that input's slot and every
// step input slot it feeds, without publishing events (nothing has
// subscribed yet at construction time) or requiring a caller to supply it
// via SetPipelineInputs (spec.md §4.4).
func (r *Runtime) preloadConstantsAndDefaults() error {
	names := make([]string, 0, len(r.structure.PipelineInputsSchema()))
	schemas := r.structure.PipelineInputsSchema()
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		schema := schemas[name]
		if !schema.HasDefault {
			continue
		}
		ref, ok := r.structure.PipelineInputRef(name)
		if !ok {
			continue
		}
		v, err := r.data.RegisterData(schema.Default, schema, value.NewOrphanPedigree("preload:"+name), "", true)
		if err != nil {
			return fmt.Errorf("runtime: preloading default for pipeline input %q: %w", name, err)
		}
		id := v.ID()
		r.slots[pipelineInputPath(name)] = id
		for _, addr := range ref.ConnectedStepInputs {
			r.slots[stepInputPath(addr.StepID, addr.FieldName)] = id
		}
	}
	return nil
}

// Events returns the runtime's EventBus for subscribing to binding
// changes (spec.md §4.5 "Event contract").
func (r *Runtime) Events() *EventBus { return r.bus }

// AsyncJobs returns the runtime's JobExecutor as an AsyncJobExecutor, if
// it implements one (a real *job.Registry always does).
func (r *Runtime) AsyncJobs() (AsyncJobExecutor, bool) {
	a, ok := r.jobs.(AsyncJobExecutor)
	return a, ok
}

func pipelineInputPath(name string) string       { return "pipeline.inputs." + name }
func stepInputPath(stepID, field string) string  { return "steps." + stepID + ".inputs." + field }
func stepOutputPath(stepID, field string) string { return "steps." + stepID + ".outputs." + field }
func pipelineOutputPath(name string) string      { return "pipeline.outputs." + name }

// SetPipelineInputs binds raw data or pre-existing value ids to
// pipeline-level input fields and propagates the change to every
// connected StepInputRef (spec.md §4.5 "set_pipeline_inputs"). Values
// passed as a value.ID are bound directly; any other value is
// registered as orphan data against the field's schema. Returns the
// set of pipeline-input names that actually changed.
func (r *Runtime) SetPipelineInputs(ctx string, fields map[string]any) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for name, raw := range fields {
		ref, ok := r.structure.PipelineInputRef(name)
		if !ok {
			return nil, fmt.Errorf("runtime: unknown pipeline input %q", name)
		}

		var id value.ID
		if existing, ok := raw.(value.ID); ok {
			id = existing
		} else {
			v, err := r.data.RegisterData(raw, ref.Schema, value.NewOrphanPedigree(ctx), "", true)
			if err != nil {
				return nil, fmt.Errorf("runtime: registering pipeline input %q: %w", name, err)
			}
			id = v.ID()
		}

		if r.slots[pipelineInputPath(name)] == id {
			continue
		}
		r.slots[pipelineInputPath(name)] = id
		changed = append(changed, name)
		r.bus.Publish(Event{Type: PipelineInputChanged, Path: pipelineInputPath(name), ValueID: string(id)})

		for _, addr := range ref.ConnectedStepInputs {
			r.slots[stepInputPath(addr.StepID, addr.FieldName)] = id
			r.bus.Publish(Event{Type: StepInputChanged, Path: stepInputPath(addr.StepID, addr.FieldName), ValueID: string(id)})
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// StepStatus reports a step's current readiness (spec.md §4.5
// "Per-step status").
func (r *Runtime) StepStatus(stepID string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stepStatusLocked(stepID)
}

func (r *Runtime) stepStatusLocked(stepID string) Status {
	ins := r.structure.GetStepInputRefs(stepID)
	sig := r.inputSignatureLocked(stepID, ins)

	for field, ref := range ins {
		if ref.Schema.Optional || ref.Schema.HasDefault {
			continue
		}
		if _, ok := r.slots[stepInputPath(stepID, field)]; !ok {
			return StatusInputsInvalid
		}
	}

	if last, ok := r.lastInputSig[stepID]; ok && last == sig {
		return StatusResultsReady
	}
	return StatusInputsReady
}

func (r *Runtime) inputSignatureLocked(stepID string, ins map[string]pipeline.StepInputRef) string {
	fields := make([]string, 0, len(ins))
	for f := range ins {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		id := r.slots[stepInputPath(stepID, f)]
		parts = append(parts, f+"="+string(id))
	}
	return strings.Join(parts, ";")
}

// ProcessStep dispatches stepID to the JobExecutor using its currently
// bound inputs, then binds and propagates its outputs (spec.md §4.5
// "process_step"). No-op (returns nil immediately, without dispatch)
// unless the step is INPUTS_READY: a step that is RESULTS_READY for its
// current inputs, or INPUTS_INVALID, is skipped.
func (r *Runtime) ProcessStep(ctx context.Context, stepID string) error {
	r.mu.Lock()
	if r.stepStatusLocked(stepID) != StatusInputsReady {
		r.mu.Unlock()
		return nil
	}

	step, ok := r.structure.GetStep(stepID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("runtime: unknown step %q", stepID)
	}
	ins := r.structure.GetStepInputRefs(stepID)
	inputIDs := make(map[string]value.ID, len(ins))
	for field := range ins {
		inputIDs[field] = r.slots[stepInputPath(stepID, field)]
	}
	sig := r.inputSignatureLocked(stepID, ins)
	r.mu.Unlock()

	outputs, err := r.jobs.Execute(ctx, manifest.Manifest{ModuleType: step.ModuleType, ModuleConfig: step.ModuleConfig}, inputIDs)
	if err != nil {
		return fmt.Errorf("runtime: executing step %q: %w", stepID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastInputSig[stepID] = sig
	outRefs := r.structure.GetStepOutputRefs(stepID)
	names := make([]string, 0, len(outputs))
	for field := range outputs {
		names = append(names, field)
	}
	sort.Strings(names)
	for _, field := range names {
		id := outputs[field]
		r.slots[stepOutputPath(stepID, field)] = id
		r.bus.Publish(Event{Type: StepOutputChanged, Path: stepOutputPath(stepID, field), ValueID: string(id)})

		ref := outRefs[field]
		for _, addr := range ref.ConnectedStepInputs {
			r.slots[stepInputPath(addr.StepID, addr.FieldName)] = id
			r.bus.Publish(Event{Type: StepInputChanged, Path: stepInputPath(addr.StepID, addr.FieldName), ValueID: string(id)})
		}
		if ref.PipelineOutputName != "" {
			r.slots[pipelineOutputPath(ref.PipelineOutputName)] = id
			r.bus.Publish(Event{Type: PipelineOutputChanged, Path: pipelineOutputPath(ref.PipelineOutputName), ValueID: string(id)})
		}
	}
	return nil
}

// ProcessStage runs every step in the given processing stage
// concurrently, bounded by errgroup, and waits for all of them (spec.md
// §4.5 "process_stage(n) ... within a stage, steps may execute
// concurrently").
func (r *Runtime) ProcessStage(ctx context.Context, stepIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, stepID := range stepIDs {
		stepID := stepID
		g.Go(func() error { return r.ProcessStep(gctx, stepID) })
	}
	return g.Wait()
}

// ProcessAll walks every processing stage in order, skipping steps the
// structure marked non-required (spec.md §8 scenario 5 "optional step
// pruning": an unreached optional step stays INPUTS_INVALID without
// failing the run).
func (r *Runtime) ProcessAll(ctx context.Context) error {
	for _, stage := range r.structure.ProcessingStages() {
		var required []string
		for _, stepID := range stage {
			if r.structure.IsRequired(stepID) {
				required = append(required, stepID)
			}
		}
		if err := r.ProcessStage(ctx, required); err != nil {
			return err
		}
	}
	return nil
}

// OutputValueID returns the value id currently bound to the named
// pipeline output, if any.
func (r *Runtime) OutputValueID(name string) (value.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.slots[pipelineOutputPath(name)]
	return id, ok
}
