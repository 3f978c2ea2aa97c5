// Package pipelinemodule implements the "pipeline" module type: a Module
// whose module_config embeds a full pipeline config and whose Process
// drives a private runtime.Runtime to completion (spec.md §4.9
// "Pipelines are exposed as operations whose underlying module type is
// pipeline and whose module_config embeds the full PipelineConfig").
// Grounded on the teacher's nested-pipeline composition in
// module/pipeline_step_registry.go generalized from a PipelineStep
// wrapping a sub-pipeline to a Module wrapping a pipeline.Structure.
package pipelinemodule

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kiara-data/kiara/dataregistry"
	"github.com/kiara-data/kiara/job"
	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/pipeline"
	"github.com/kiara-data/kiara/pipelineconfig"
	"github.com/kiara-data/kiara/runtime"
	"github.com/kiara-data/kiara/value"
)

// Factory builds "pipeline" module instances, closing over the shared
// module registry (to resolve each step's own module type) and the
// dataregistry/job.Registry used to actually run the pipeline when the
// module's Process is invoked.
type Factory struct {
	modules *module.Registry
	data    *dataregistry.Registry
	jobs    *job.Registry
}

// NewFactory creates a pipeline-module Factory.
func NewFactory(modules *module.Registry, data *dataregistry.Registry, jobs *job.Registry) *Factory {
	return &Factory{modules: modules, data: data, jobs: jobs}
}

// Register installs the "pipeline" module type into reg (conventionally
// the same registry passed to NewFactory, so pipeline steps can
// themselves be pipelines).
func (f *Factory) Register(reg *module.Registry) {
	reg.Register("pipeline", f.create)
}

// create decodes module_config as a pipeline config document (spec.md §6
// "Pipeline config file" is the same shape module_config takes here) and
// resolves its step graph eagerly, so a malformed nested pipeline fails
// at module-creation time rather than mid-run.
func (f *Factory) create(cfg manifest.Config) (module.Module, error) {
	doc, err := yaml.Marshal(map[string]any(cfg))
	if err != nil {
		return nil, fmt.Errorf("pipeline module: re-marshaling module_config: %w", err)
	}
	pcfg, err := pipelineconfig.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("pipeline module: %w", err)
	}
	steps, err := pcfg.ToSteps()
	if err != nil {
		return nil, fmt.Errorf("pipeline module: %w", err)
	}
	structure, err := pipeline.NewStructure(steps, f.modules, pcfg.InputAliases.ToAliases(), pcfg.OutputAliases.ToAliases())
	if err != nil {
		return nil, fmt.Errorf("pipeline module: %w", err)
	}
	return &pipelineModule{structure: structure, data: f.data, jobs: f.jobs}, nil
}

// pipelineModule satisfies module.Module by delegating a single Process
// call to a fresh runtime.Runtime over its embedded structure.
type pipelineModule struct {
	structure *pipeline.Structure
	data      *dataregistry.Registry
	jobs      *job.Registry
}

func (m *pipelineModule) InputsSchema() map[string]value.Schema  { return m.structure.PipelineInputsSchema() }
func (m *pipelineModule) OutputsSchema() map[string]value.Schema { return m.structure.PipelineOutputsSchema() }
func (m *pipelineModule) Constants() map[string]any              { return m.structure.Constants() }
func (m *pipelineModule) Defaults() map[string]any               { return m.structure.Defaults() }

// Characteristics reports the embedded pipeline as idempotent: its own
// steps are the ones whose individual idempotence the job cache actually
// keys on, so re-running the wrapper is safe to cache at this level too.
func (m *pipelineModule) Characteristics() module.Characteristics {
	return module.Characteristics{IsIdempotent: true}
}

func (m *pipelineModule) Process(ctx context.Context, inputs *value.Map, outputs *value.Map, log module.JobLog) error {
	rt, err := runtime.New(m.structure, m.data, m.jobs)
	if err != nil {
		return fmt.Errorf("pipeline module: %w", err)
	}

	inputsSchema := m.structure.PipelineInputsSchema()
	fields := make(map[string]any, len(inputsSchema))
	for field := range inputsSchema {
		v := inputs.Get(field)
		if v != nil && v.Status().HasData() {
			fields[field] = v.ID()
		}
	}
	if _, err := rt.SetPipelineInputs("pipeline-module", fields); err != nil {
		return fmt.Errorf("pipeline module: binding inputs: %w", err)
	}
	if err := rt.ProcessAll(ctx); err != nil {
		return fmt.Errorf("pipeline module: %w", err)
	}

	for name, schema := range m.structure.PipelineOutputsSchema() {
		id, ok := rt.OutputValueID(name)
		if !ok {
			if schema.Optional {
				if err := outputs.SetNone(name); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("pipeline module: required output %q was never produced", name)
		}
		v, err := m.data.Get(id)
		if err != nil {
			return fmt.Errorf("pipeline module: resolving output %q: %w", name, err)
		}
		if err := outputs.SetData(name, v.Data()); err != nil {
			return err
		}
	}
	log.Logf("pipeline module: processed %d step(s)", len(m.structure.StepIDs()))
	return nil
}
