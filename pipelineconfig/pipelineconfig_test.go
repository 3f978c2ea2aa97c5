package pipelineconfig

import "testing"

func TestParse_AutoGeneratesMissingStepIDs(t *testing.T) {
	doc := []byte(`
pipeline_name: demo
steps:
  - module_type: const_int
    module_config:
      value: 5
  - module_type: const_int
    module_config:
      value: 6
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Steps[0].StepID != "const_int" {
		t.Fatalf("expected first auto id 'const_int', got %q", cfg.Steps[0].StepID)
	}
	if cfg.Steps[1].StepID != "const_int_1" {
		t.Fatalf("expected second auto id 'const_int_1', got %q", cfg.Steps[1].StepID)
	}
}

func TestParse_OutputAliasesAutoAllOutputsMarker(t *testing.T) {
	doc := []byte(`
pipeline_name: demo
steps:
  - step_id: c
    module_type: const_int
output_aliases: auto_all_outputs
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	aliases := cfg.OutputAliases.ToAliases()
	if aliases == nil || !aliases.AutoAllOutputs {
		t.Fatalf("expected AutoAllOutputs=true, got %+v", aliases)
	}
}

func TestToSteps_ParsesSingleAndListLinkTargets(t *testing.T) {
	doc := []byte(`
pipeline_name: demo
steps:
  - step_id: a
    module_type: add
  - step_id: d
    module_type: double
    input_links:
      x: a.sum
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	steps, err := cfg.ToSteps()
	if err != nil {
		t.Fatal(err)
	}
	d := steps[1]
	links := d.InputLinks["x"]
	if len(links) != 1 || links[0].StepID != "a" || links[0].FieldName != "sum" {
		t.Fatalf("expected [{a sum}], got %v", links)
	}
}

func TestParseJobDescriptor_SubstitutesThisDir(t *testing.T) {
	doc := []byte(`
operation: some_op
inputs:
  path: ${this_dir}/data.csv
`)
	jd, err := ParseJobDescriptor(doc, "/workspace/job1")
	if err != nil {
		t.Fatal(err)
	}
	if jd.Inputs["path"] != "/workspace/job1/data.csv" {
		t.Fatalf("expected substituted path, got %v", jd.Inputs["path"])
	}
}
