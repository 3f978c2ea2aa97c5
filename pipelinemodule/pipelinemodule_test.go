package pipelinemodule

import (
	"context"
	"testing"

	"github.com/kiara-data/kiara/archive/memory"
	"github.com/kiara-data/kiara/dataregistry"
	"github.com/kiara-data/kiara/datatype"
	"github.com/kiara-data/kiara/job"
	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/module/builtin"
	"github.com/kiara-data/kiara/value"
)

type nopLog struct{}

func (nopLog) Logf(string, ...any) {}
func (nopLog) Cancelled() bool     { return false }

func newTestStack(t *testing.T) (*module.Registry, *dataregistry.Registry, *job.Registry) {
	t.Helper()
	modules := module.NewRegistry()
	builtin.Register(modules)
	types := datatype.NewRegistry()
	datatype.RegisterBuiltins(types)
	arc := memory.New()
	data, err := dataregistry.New(types, 64, arc)
	if err != nil {
		t.Fatal(err)
	}
	jobs := job.New(modules, data, arc, arc)
	NewFactory(modules, data, jobs).Register(modules)
	return modules, data, jobs
}

func TestPipelineModule_TwoStageAddThenDoubleAsSingleModule(t *testing.T) {
	modules, data, jobs := newTestStack(t)

	pipelineConfig := manifest.Config{
		"pipeline_name": "add_then_double",
		"steps": []any{
			map[string]any{"step_id": "a", "module_type": "add"},
			map[string]any{
				"step_id":     "d",
				"module_type": "double",
				"input_links": map[string]any{"x": "a.sum"},
			},
		},
		"output_aliases": "auto_all_outputs",
	}

	mod, err := modules.Create(manifest.Manifest{ModuleType: "pipeline", ModuleConfig: pipelineConfig})
	if err != nil {
		t.Fatal(err)
	}

	schema := value.Schema{TypeName: "integer"}
	a, err := data.RegisterData(int64(2), schema, value.NewOrphanPedigree("t"), "", true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := data.RegisterData(int64(3), schema, value.NewOrphanPedigree("t"), "", true)
	if err != nil {
		t.Fatal(err)
	}

	inMap := value.NewMap(mod.InputsSchema(), nil, false)
	if err := inMap.Set("a__a", a); err != nil {
		t.Fatal(err)
	}
	if err := inMap.Set("a__b", b); err != nil {
		t.Fatal(err)
	}

	outMap := value.NewMap(mod.OutputsSchema(), nil, false)
	if err := mod.Process(context.Background(), inMap, outMap, nopLog{}); err != nil {
		t.Fatal(err)
	}

	out := outMap.Get("d__y")
	if out == nil || !out.Status().HasData() {
		t.Fatal("expected pipeline output d__y to carry data")
	}
	if out.Data().(int64) != 10 {
		t.Fatalf("expected (2+3)*2=10, got %v", out.Data())
	}
	_ = jobs
}
