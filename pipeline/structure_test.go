package pipeline

import (
	"testing"

	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/module/builtin"
)

func newRegistry() *module.Registry {
	reg := module.NewRegistry()
	builtin.Register(reg)
	return reg
}

func TestNewStructure_PureConstantPipeline(t *testing.T) {
	reg := newRegistry()
	steps := []Step{
		{StepID: "c", ModuleType: "const_int", ModuleConfig: manifest.Config{"value": 5}},
	}
	s, err := NewStructure(steps, reg, nil, &Aliases{Named: map[string]string{"c__out": "y"}})
	if err != nil {
		t.Fatal(err)
	}
	outs := s.PipelineOutputsSchema()
	if _, ok := outs["y"]; !ok {
		t.Fatalf("expected pipeline output 'y', got %v", outs)
	}
	stages := s.ProcessingStages()
	if len(stages) != 1 || len(stages[0]) != 1 || stages[0][0] != "c" {
		t.Fatalf("expected a single stage [c], got %v", stages)
	}
	if !s.IsRequired("c") {
		t.Fatal("expected step c to be required (it feeds the only pipeline output)")
	}
}

func TestNewStructure_TwoStageAddThenDouble(t *testing.T) {
	reg := newRegistry()
	steps := []Step{
		{StepID: "a", ModuleType: "add"},
		{StepID: "d", ModuleType: "double", InputLinks: map[string][]StepValueAddress{
			"x": {{StepID: "a", FieldName: "sum"}},
		}},
	}
	s, err := NewStructure(steps, reg, nil, &Aliases{AutoAllOutputs: true})
	if err != nil {
		t.Fatal(err)
	}
	if s.ProcessingStage("a") != 1 {
		t.Fatalf("expected step a in stage 1, got %d", s.ProcessingStage("a"))
	}
	if s.ProcessingStage("d") != 2 {
		t.Fatalf("expected step d in stage 2, got %d", s.ProcessingStage("d"))
	}
	ins := s.GetStepInputRefs("d")
	if ins["x"].ConnectedPipelineInput != "" {
		t.Fatal("expected step d's x input to be linked to step a, not a pipeline input")
	}
	pinSchema := s.PipelineInputsSchema()
	if _, ok := pinSchema["a__a"]; !ok {
		t.Fatalf("expected pipeline input a__a, got %v", pinSchema)
	}
}

func TestNewStructure_OptionalStepPruning(t *testing.T) {
	reg := newRegistry()
	steps := []Step{
		{StepID: "required_branch", ModuleType: "const_int", ModuleConfig: manifest.Config{"value": 1}},
		{StepID: "optional_branch", ModuleType: "const_int", ModuleConfig: manifest.Config{"value": 2}},
	}
	s, err := NewStructure(steps, reg, nil, &Aliases{Named: map[string]string{"required_branch__out": "y"}})
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsRequired("required_branch") {
		t.Fatal("expected required_branch to be required")
	}
	if s.IsRequired("optional_branch") {
		t.Fatal("expected optional_branch (unconnected to any pipeline output) to be optional")
	}
}

func TestNewStructure_RejectsDuplicateStepID(t *testing.T) {
	reg := newRegistry()
	steps := []Step{
		{StepID: "c", ModuleType: "const_int", ModuleConfig: manifest.Config{"value": 1}},
		{StepID: "c", ModuleType: "const_int", ModuleConfig: manifest.Config{"value": 2}},
	}
	if _, err := NewStructure(steps, reg, nil, nil); err == nil {
		t.Fatal("expected error for duplicate step_id")
	}
}

func TestNewStructure_RejectsCycle(t *testing.T) {
	reg := newRegistry()
	steps := []Step{
		{StepID: "a", ModuleType: "double", InputLinks: map[string][]StepValueAddress{
			"x": {{StepID: "b", FieldName: "y"}},
		}},
		{StepID: "b", ModuleType: "double", InputLinks: map[string][]StepValueAddress{
			"x": {{StepID: "a", FieldName: "y"}},
		}},
	}
	if _, err := NewStructure(steps, reg, nil, nil); err == nil {
		t.Fatal("expected error for cyclic step graph")
	}
}

func TestNewStructure_RejectsUnknownLinkTarget(t *testing.T) {
	reg := newRegistry()
	steps := []Step{
		{StepID: "d", ModuleType: "double", InputLinks: map[string][]StepValueAddress{
			"x": {{StepID: "missing", FieldName: "y"}},
		}},
	}
	if _, err := NewStructure(steps, reg, nil, nil); err == nil {
		t.Fatal("expected error for link to unknown step")
	}
}
