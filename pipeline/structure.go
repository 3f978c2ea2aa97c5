package pipeline

import (
	"fmt"
	"sort"

	"github.com/kiara-data/kiara/kerrors"
	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/value"
)

// Aliases configures how a structure names its pipeline-level inputs or
// outputs (spec.md §4.4 "an optional {input,output}_aliases map"). A nil
// *Aliases behaves as the "auto" marker: every field gets its default
// "{step_id}__{field}" name and (for outputs) none are exposed unless
// AutoAllOutputs is also set.
type Aliases struct {
	// Named maps "{step_id}__{field}" to a user-chosen alias.
	Named map[string]string
	// AutoAllOutputs, when true on output aliases, exposes every step
	// output as a pipeline output under its default name (the
	// "auto_all_outputs" marker).
	AutoAllOutputs bool
}

func (a *Aliases) aliasFor(stepID, field string) string {
	def := stepID + "__" + field
	if a == nil || a.Named == nil {
		return def
	}
	if alias, ok := a.Named[def]; ok {
		return alias
	}
	return def
}

func (a *Aliases) isExposed(stepID, field string) bool {
	if a == nil {
		return false
	}
	if a.AutoAllOutputs {
		return true
	}
	_, ok := a.Named[stepID+"__"+field]
	return ok
}

// Structure is the static analysis of a step list (spec.md §4.4
// "PipelineStructure"): the input/output-ref graph, execution DAG,
// processing stages, and required-step set.
type Structure struct {
	steps       map[string]Step
	stepOrder   []string
	stepInputs  map[string]map[string]StepInputRef
	stepOutputs map[string]map[string]StepOutputRef
	pipelineIn  map[string]PipelineInputRef
	pipelineOut map[string]PipelineOutputRef

	stages   [][]string          // processing_stages, 0-indexed internally
	required map[string]bool     // step_id -> required
	deps     map[string][]string // step_id -> direct predecessor step ids

	constants map[string]any
	defaults  map[string]any
}

// NewStructure builds a Structure from steps, resolving each step's
// module via reg to obtain its input/output schemas (spec.md §4.4
// steps 1-5).
func NewStructure(steps []Step, reg *module.Registry, inputAliases, outputAliases *Aliases) (*Structure, error) {
	s := &Structure{
		steps:       make(map[string]Step, len(steps)),
		stepOrder:   make([]string, 0, len(steps)),
		stepInputs:  make(map[string]map[string]StepInputRef),
		stepOutputs: make(map[string]map[string]StepOutputRef),
		pipelineIn:  make(map[string]PipelineInputRef),
		pipelineOut: make(map[string]PipelineOutputRef),
		deps:        make(map[string][]string),
		constants:   make(map[string]any),
		defaults:    make(map[string]any),
	}

	for _, step := range steps {
		if step.StepID == "" {
			return nil, kerrors.New(kerrors.KindInvalidPipelineStep, "step_id is required")
		}
		for _, r := range step.StepID {
			if r == '.' {
				return nil, kerrors.New(kerrors.KindInvalidPipelineStep, fmt.Sprintf("step_id %q must not contain '.'", step.StepID))
			}
		}
		if _, dup := s.steps[step.StepID]; dup {
			return nil, kerrors.New(kerrors.KindInvalidPipelineStep, fmt.Sprintf("duplicate step_id %q", step.StepID))
		}
		s.steps[step.StepID] = step
		s.stepOrder = append(s.stepOrder, step.StepID)
	}
	sort.Strings(s.stepOrder)

	// Step 1: resolve schemas and build StepOutputRefs + PipelineOutputRefs.
	modInputs := make(map[string]map[string]value.Schema, len(steps))
	modOutputs := make(map[string]map[string]value.Schema, len(steps))
	for _, stepID := range s.stepOrder {
		step := s.steps[stepID]
		mod, err := reg.Create(manifest.Manifest{ModuleType: step.ModuleType, ModuleConfig: step.ModuleConfig})
		if err != nil {
			return nil, kerrors.Wrap(kerrors.KindUnknownModuleType, fmt.Sprintf("step %q", stepID), err)
		}
		modInputs[stepID] = mod.InputsSchema()
		modOutputs[stepID] = mod.OutputsSchema()
		for k, v := range mod.Constants() {
			s.constants[stepID+"__"+k] = v
		}
		for k, v := range mod.Defaults() {
			s.defaults[stepID+"__"+k] = v
		}

		outs := make(map[string]StepOutputRef, len(modOutputs[stepID]))
		for field, schema := range modOutputs[stepID] {
			ref := StepOutputRef{StepID: stepID, Field: field, Schema: schema}
			if outputAliases.isExposed(stepID, field) {
				name := outputAliases.aliasFor(stepID, field)
				ref.PipelineOutputName = name
				s.pipelineOut[name] = PipelineOutputRef{
					Name:                name,
					Schema:              schema,
					ConnectedStepOutput: StepValueAddress{StepID: stepID, FieldName: field},
				}
			}
			outs[field] = ref
		}
		s.stepOutputs[stepID] = outs
	}

	// Step 2: resolve each step's inputs, either to upstream step outputs
	// or to a (possibly shared) PipelineInputRef.
	for _, stepID := range s.stepOrder {
		step := s.steps[stepID]
		ins := make(map[string]StepInputRef, len(modInputs[stepID]))
		seenDeps := make(map[string]bool)

		for field, schema := range modInputs[stepID] {
			if addrs, linked := step.InputLinks[field]; linked && len(addrs) > 0 {
				for _, addr := range addrs {
					producer, ok := s.stepOutputs[addr.StepID]
					if !ok {
						return nil, kerrors.New(kerrors.KindInvalidPipelineStep,
							fmt.Sprintf("step %q input %q links to unknown step %q", stepID, field, addr.StepID))
					}
					outRef, ok := producer[addr.FieldName]
					if !ok {
						return nil, kerrors.New(kerrors.KindInvalidPipelineStep,
							fmt.Sprintf("step %q input %q links to unknown output %q.%q", stepID, field, addr.StepID, addr.FieldName))
					}
					if outRef.Schema.TypeName != schema.TypeName {
						return nil, kerrors.New(kerrors.KindInvalidPipelineStep,
							fmt.Sprintf("step %q input %q: type mismatch: wants %q, linked output is %q", stepID, field, schema.TypeName, outRef.Schema.TypeName))
					}
					outRef.ConnectedStepInputs = append(outRef.ConnectedStepInputs, StepValueAddress{StepID: stepID, FieldName: field})
					s.stepOutputs[addr.StepID][addr.FieldName] = outRef
					if !seenDeps[addr.StepID] {
						seenDeps[addr.StepID] = true
						s.deps[stepID] = append(s.deps[stepID], addr.StepID)
					}
				}
				ins[field] = StepInputRef{StepID: stepID, Field: field, Schema: schema, ConnectedOutputs: addrs}
				continue
			}

			key := stepID + "__" + field
			cVal, isConst := s.constants[key]
			dVal, isDefault := s.defaults[key]
			if isConst && isDefault {
				return nil, kerrors.New(kerrors.KindInvalidPipelineStep,
					fmt.Sprintf("step %q input %q appears in both constants and defaults", stepID, field))
			}
			if isConst {
				schema.IsConstant = true
				schema.Default = cVal
				schema.HasDefault = true
			} else if isDefault {
				schema.Default = dVal
				schema.HasDefault = true
			}

			name := inputAliases.aliasFor(stepID, field)
			pin, ok := s.pipelineIn[name]
			if !ok {
				pin = PipelineInputRef{Name: name, Schema: schema}
			}
			pin.ConnectedStepInputs = append(pin.ConnectedStepInputs, StepValueAddress{StepID: stepID, FieldName: field})
			s.pipelineIn[name] = pin

			ins[field] = StepInputRef{StepID: stepID, Field: field, Schema: schema, ConnectedPipelineInput: name}
		}
		s.stepInputs[stepID] = ins
	}

	// Step 3/4: execution DAG + processing_stages via longest-path-from-root.
	stages, err := computeStages(s.stepOrder, s.deps)
	if err != nil {
		return nil, err
	}
	s.stages = stages

	// Step 5: required-step set.
	s.required = computeRequired(s.stepOrder, s.deps, s.stepOutputs)

	return s, nil
}

// computeStages performs deterministic topological layering: stage of
// step s = 1 + max(stage of predecessors), stage-1 steps have no
// predecessors (spec.md §4.4 step 4). Ties within a stage are broken
// lexicographically by step id.
func computeStages(order []string, deps map[string][]string) ([][]string, error) {
	stageOf := make(map[string]int, len(order))
	visiting := make(map[string]bool, len(order))

	var resolve func(step string) (int, error)
	resolve = func(step string) (int, error) {
		if st, ok := stageOf[step]; ok {
			return st, nil
		}
		if visiting[step] {
			return 0, kerrors.New(kerrors.KindInvalidPipelineStep, fmt.Sprintf("cycle detected at step %q", step))
		}
		visiting[step] = true
		defer delete(visiting, step)

		max := 0
		for _, dep := range deps[step] {
			st, err := resolve(dep)
			if err != nil {
				return 0, err
			}
			if st > max {
				max = st
			}
		}
		stageOf[step] = max + 1
		return stageOf[step], nil
	}

	maxStage := 0
	for _, step := range order {
		st, err := resolve(step)
		if err != nil {
			return nil, err
		}
		if st > maxStage {
			maxStage = st
		}
	}

	stages := make([][]string, maxStage)
	for i := range stages {
		stages[i] = nil
	}
	for _, step := range order {
		idx := stageOf[step] - 1
		stages[idx] = append(stages[idx], step)
	}
	for i := range stages {
		sort.Strings(stages[i])
	}
	return stages, nil
}

// computeRequired marks a step required iff a pipeline output whose schema
// is required depends on it: the step produces that output itself or feeds
// it through a chain of downstream steps. Computed backward from pipeline
// outputs; whether the step is reachable from a pipeline input is not
// considered (a step with no inputs can be required).
func computeRequired(order []string, deps map[string][]string, outputs map[string]map[string]StepOutputRef) map[string]bool {
	// successors: step -> steps that directly consume one of its outputs.
	successors := make(map[string]map[string]bool, len(order))
	for step, outs := range outputs {
		for _, ref := range outs {
			for _, addr := range ref.ConnectedStepInputs {
				if successors[step] == nil {
					successors[step] = make(map[string]bool)
				}
				successors[step][addr.StepID] = true
			}
		}
	}

	required := make(map[string]bool, len(order))

	var producesRequiredOutput func(step string) bool
	memo := make(map[string]bool)
	producesRequiredOutput = func(step string) bool {
		if v, ok := memo[step]; ok {
			return v
		}
		memo[step] = false // guard against cycles (already rejected earlier)
		for _, ref := range outputs[step] {
			if ref.PipelineOutputName != "" && ref.Schema.Required() {
				memo[step] = true
				return true
			}
		}
		for succ := range successors[step] {
			if producesRequiredOutput(succ) {
				memo[step] = true
				return true
			}
		}
		return memo[step]
	}

	for _, step := range order {
		required[step] = producesRequiredOutput(step)
	}
	return required
}

// GetStep returns the user-authored step for stepID.
func (s *Structure) GetStep(stepID string) (Step, bool) {
	st, ok := s.steps[stepID]
	return st, ok
}

// StepIDs returns every step id in the structure, lexicographically sorted.
func (s *Structure) StepIDs() []string {
	return append([]string(nil), s.stepOrder...)
}

// GetStepInputRefs returns stepID's resolved input refs.
func (s *Structure) GetStepInputRefs(stepID string) map[string]StepInputRef {
	return s.stepInputs[stepID]
}

// GetStepOutputRefs returns stepID's resolved output refs.
func (s *Structure) GetStepOutputRefs(stepID string) map[string]StepOutputRef {
	return s.stepOutputs[stepID]
}

// PipelineInputsSchema returns the schema of every pipeline-level input.
func (s *Structure) PipelineInputsSchema() map[string]value.Schema {
	out := make(map[string]value.Schema, len(s.pipelineIn))
	for name, ref := range s.pipelineIn {
		out[name] = ref.Schema
	}
	return out
}

// PipelineOutputsSchema returns the schema of every pipeline-level output.
func (s *Structure) PipelineOutputsSchema() map[string]value.Schema {
	out := make(map[string]value.Schema, len(s.pipelineOut))
	for name, ref := range s.pipelineOut {
		out[name] = ref.Schema
	}
	return out
}

// PipelineInputRef returns the named pipeline input ref.
func (s *Structure) PipelineInputRef(name string) (PipelineInputRef, bool) {
	r, ok := s.pipelineIn[name]
	return r, ok
}

// PipelineOutputRef returns the named pipeline output ref.
func (s *Structure) PipelineOutputRef(name string) (PipelineOutputRef, bool) {
	r, ok := s.pipelineOut[name]
	return r, ok
}

// ProcessingStages returns stage 1..N as a list of step id lists
// (spec.md §4.4 "processing_stages").
func (s *Structure) ProcessingStages() [][]string {
	out := make([][]string, len(s.stages))
	for i, stage := range s.stages {
		out[i] = append([]string(nil), stage...)
	}
	return out
}

// ProcessingStage returns the 1-indexed stage number for stepID, or 0
// if unknown.
func (s *Structure) ProcessingStage(stepID string) int {
	for i, stage := range s.stages {
		for _, id := range stage {
			if id == stepID {
				return i + 1
			}
		}
	}
	return 0
}

// IsRequired reports whether a required pipeline output depends on stepID,
// directly or through downstream steps.
func (s *Structure) IsRequired(stepID string) bool {
	return s.required[stepID]
}

// Constants returns step-qualified constant values merged across all
// steps ("{step_id}__{field}" -> value).
func (s *Structure) Constants() map[string]any {
	out := make(map[string]any, len(s.constants))
	for k, v := range s.constants {
		out[k] = v
	}
	return out
}

// Defaults returns step-qualified default values merged across all
// steps ("{step_id}__{field}" -> value).
func (s *Structure) Defaults() map[string]any {
	out := make(map[string]any, len(s.defaults))
	for k, v := range s.defaults {
		out[k] = v
	}
	return out
}
