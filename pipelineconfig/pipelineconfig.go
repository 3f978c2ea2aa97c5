// Package pipelineconfig parses the pipeline config file and job
// descriptor file formats from spec.md §6, using gopkg.in/yaml.v3 the
// way the teacher's config package parses workflow YAML
// (config/config.go's yaml.Unmarshal-based loader).
package pipelineconfig

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kiara-data/kiara/pipeline"
)

// StepConfig is one entry in a pipeline config file's steps list
// (spec.md §6 "Pipeline config file").
type StepConfig struct {
	StepID      string                 `yaml:"step_id,omitempty"`
	ModuleType  string                 `yaml:"module_type"`
	ModuleConfig map[string]any        `yaml:"module_config,omitempty"`
	InputLinks  map[string]yaml.Node   `yaml:"input_links,omitempty"`
}

// AliasesConfig is the raw form of input_aliases/output_aliases: either
// a marker string ("auto" / "auto_all_outputs") or an explicit
// "step__field" -> alias map.
type AliasesConfig struct {
	Marker  string
	Named   map[string]string
}

// UnmarshalYAML implements custom decoding for AliasesConfig's
// marker-or-map duality (spec.md §6).
func (a *AliasesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&a.Marker)
	}
	return node.Decode(&a.Named)
}

// ToAliases converts the raw config form into a pipeline.Aliases: the
// "auto_all_outputs" marker (only meaningful for output_aliases) sets
// AutoAllOutputs, an explicit map sets Named, and "auto" or an empty map
// yields nil.
func (a *AliasesConfig) ToAliases() *pipeline.Aliases {
	if a == nil {
		return nil
	}
	if a.Marker == "auto_all_outputs" {
		return &pipeline.Aliases{AutoAllOutputs: true}
	}
	if a.Marker == "auto" || len(a.Named) == 0 {
		return nil
	}
	return &pipeline.Aliases{Named: a.Named}
}

// Config is a parsed pipeline config file (spec.md §6 "Pipeline config
// file").
type Config struct {
	PipelineName  string         `yaml:"pipeline_name"`
	Doc           string         `yaml:"doc,omitempty"`
	Steps         []StepConfig   `yaml:"steps"`
	InputAliases  *AliasesConfig `yaml:"input_aliases,omitempty"`
	OutputAliases *AliasesConfig `yaml:"output_aliases,omitempty"`
	Defaults      map[string]any `yaml:"defaults,omitempty"`
	Constants     map[string]any `yaml:"constants,omitempty"`
}

// Parse decodes a pipeline config file from YAML (a superset of JSON,
// so this also accepts the JSON form spec.md §6 allows).
func Parse(doc []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("pipelineconfig: parsing pipeline config: %w", err)
	}
	if err := cfg.assignStepIDs(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// assignStepIDs auto-generates a step_id from module_type for any step
// that didn't specify one explicitly (spec.md §6 "Missing step_id
// triggers auto-generation from module type"), disambiguating
// collisions with a numeric suffix.
func (c *Config) assignStepIDs() error {
	seen := make(map[string]int)
	for i := range c.Steps {
		s := &c.Steps[i]
		if s.StepID != "" {
			seen[s.StepID]++
			continue
		}
		base := s.ModuleType
		candidate := base
		for n := 1; seen[candidate] > 0; n++ {
			candidate = fmt.Sprintf("%s_%d", base, n)
		}
		s.StepID = candidate
		seen[candidate]++
	}
	return nil
}

// ToSteps resolves every StepConfig into a pipeline.Step, parsing each
// input_links entry's "step.output" or ["step.output", ...] form into
// StepValueAddresses. The pipeline-config-file top-level `defaults`/
// `constants` overlays (spec.md §6, keyed "step__field" like
// input_aliases) are folded into the matching step's own
// module_config.defaults/module_config.constants, since that's the
// single place module.Registry.Create looks for them (spec.md §4.4
// "overlays (from config)").
func (c *Config) ToSteps() ([]pipeline.Step, error) {
	steps := make([]pipeline.Step, 0, len(c.Steps))
	for _, sc := range c.Steps {
		links := make(map[string][]pipeline.StepValueAddress, len(sc.InputLinks))
		for field, node := range sc.InputLinks {
			addrs, err := decodeLinkTargets(node)
			if err != nil {
				return nil, fmt.Errorf("pipelineconfig: step %q field %q: %w", sc.StepID, field, err)
			}
			links[field] = addrs
		}
		moduleConfig := applyFieldOverlay(applyFieldOverlay(sc.ModuleConfig, "constants", sc.StepID, c.Constants), "defaults", sc.StepID, c.Defaults)
		steps = append(steps, pipeline.Step{
			StepID:       sc.StepID,
			ModuleType:   sc.ModuleType,
			ModuleConfig: moduleConfig,
			InputLinks:   links,
		})
	}
	return steps, nil
}

// applyFieldOverlay copies every "{stepID}__{field}" entry of overlay into
// cfg[key][field], returning cfg unchanged if nothing in overlay targets
// stepID. cfg is copied before mutation so sibling steps never observe
// each other's overlay entries.
func applyFieldOverlay(cfg map[string]any, key, stepID string, overlay map[string]any) map[string]any {
	prefix := stepID + "__"
	var matches map[string]any
	for name, v := range overlay {
		if field, ok := strings.CutPrefix(name, prefix); ok {
			if matches == nil {
				matches = make(map[string]any)
			}
			matches[field] = v
		}
	}
	if len(matches) == 0 {
		return cfg
	}

	out := make(map[string]any, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	existing, _ := out[key].(map[string]any)
	merged := make(map[string]any, len(existing)+len(matches))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range matches {
		merged[k] = v
	}
	out[key] = merged
	return out
}

func decodeLinkTargets(node yaml.Node) ([]pipeline.StepValueAddress, error) {
	var targets []string
	if node.Kind == yaml.ScalarNode {
		var single string
		if err := node.Decode(&single); err != nil {
			return nil, err
		}
		targets = []string{single}
	} else {
		if err := node.Decode(&targets); err != nil {
			return nil, err
		}
	}
	addrs := make([]pipeline.StepValueAddress, 0, len(targets))
	for _, t := range targets {
		parts := strings.SplitN(t, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed link target %q: want \"step.output\"", t)
		}
		addrs = append(addrs, pipeline.StepValueAddress{StepID: parts[0], FieldName: parts[1]})
	}
	return addrs, nil
}

// JobDescriptor is a parsed job descriptor file (spec.md §6 "Job
// descriptor file").
type JobDescriptor struct {
	Operation string         `yaml:"operation"`
	Inputs    map[string]any `yaml:"inputs,omitempty"`
	Save      bool           `yaml:"save,omitempty"`
	JobAlias  string         `yaml:"job_alias,omitempty"`
}

// ParseJobDescriptor decodes a job descriptor file, substituting
// ${this_dir} in any string input with thisDir (spec.md §6 "variable
// substitution ${this_dir} resolves relative paths").
func ParseJobDescriptor(doc []byte, thisDir string) (*JobDescriptor, error) {
	var jd JobDescriptor
	if err := yaml.Unmarshal(doc, &jd); err != nil {
		return nil, fmt.Errorf("pipelineconfig: parsing job descriptor: %w", err)
	}
	for k, v := range jd.Inputs {
		if s, ok := v.(string); ok {
			jd.Inputs[k] = strings.ReplaceAll(s, "${this_dir}", thisDir)
		}
	}
	return &jd, nil
}
