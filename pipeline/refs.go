// Package pipeline implements the static PipelineStructure analyzer
// described in spec.md §4.4: given a declarative step list, derive the
// execution DAG, dataflow refs, processing stages, and required-step
// set. Grounded on the teacher's module.Pipeline (module/pipeline_executor.go)
// for the step/doc/logging shape, and on original_source's
// models/module/pipeline/structure.py for the dataflow-ref and
// processing_stages construction algorithm this package ports into Go.
package pipeline

import "github.com/kiara-data/kiara/value"

// StepValueAddress identifies a single field on a single step's output
// (or, for a step with sub-values, a nested path within it), the unit
// an input link points at (spec.md §3 "PipelineStep").
type StepValueAddress struct {
	StepID    string
	FieldName string
	SubValue  string // "" unless the field addresses a nested sub-value
}

// Step is a user-authored pipeline step: a manifest instance with a
// local id and input wiring (spec.md §3 "PipelineStep").
type Step struct {
	StepID      string
	ModuleType  string
	ModuleConfig map[string]any
	// InputLinks maps a step input field to the addresses feeding it.
	// Multiple addresses on one field means the field gathers a list.
	InputLinks map[string][]StepValueAddress
	Doc        string
}

// PipelineInputRef is a derived, not user-authored, pipeline-level
// input slot (spec.md §3).
type PipelineInputRef struct {
	Name                string
	Schema              value.Schema
	ConnectedStepInputs []StepValueAddress
}

// PipelineOutputRef is a derived pipeline-level output slot connected
// to exactly one step output (spec.md §3).
type PipelineOutputRef struct {
	Name                 string
	Schema               value.Schema
	ConnectedStepOutput  StepValueAddress
}

// StepInputRef is a derived per-step input slot, connected either to a
// pipeline input or to one or more upstream step outputs (spec.md §3).
type StepInputRef struct {
	StepID                  string
	Field                   string
	Schema                  value.Schema
	ConnectedPipelineInput  string             // "" if connected to step outputs instead
	ConnectedOutputs        []StepValueAddress // empty if connected to a pipeline input instead
}

// StepOutputRef is a derived per-step output slot, optionally exposed
// as a pipeline output (spec.md §3).
type StepOutputRef struct {
	StepID              string
	Field               string
	Schema              value.Schema
	ConnectedStepInputs []StepValueAddress
	PipelineOutputName  string // "" if not exposed as a pipeline output
}
