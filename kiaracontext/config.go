// Package kiaracontext implements the Context described in spec.md §6:
// the top-level object a caller opens to get at a wired set of
// registries (modules, data types, values, jobs, operations) backed by
// a context config file's archive bindings. Grounded on the teacher's
// engine.Engine (engine.go) for the "holds the registries, wires
// config into them, Start/Stop lifecycle" shape, generalized from
// modular.Application's HTTP-module set to Kiara's registry set.
package kiaracontext

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// RequiredMarkers lists the archive markers every context config must
// resolve, auto-filled with an in-memory archive when absent (spec.md
// §6: "Required markers: default_data_store, default_alias_store,
// default_job_store, default_metadata_store, default_workflow_store.
// Missing markers are auto-filled at load time.").
var RequiredMarkers = []string{
	"default_data_store",
	"default_alias_store",
	"default_job_store",
	"default_metadata_store",
	"default_workflow_store",
}

// ArchiveMarkerConfig binds one archive marker to the backend type and
// configuration used to construct it.
type ArchiveMarkerConfig struct {
	ArchiveType string         `yaml:"archive_type" json:"archive_type"`
	Config      map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ConfigFile is the context config file's parsed shape (spec.md §6
// "keyed map with context_id (uuid), archives: { marker -> { archive_type,
// config } }, extra_pipelines: [path]"). Dual yaml/json tags mirror the
// teacher's config.WorkflowConfig.
type ConfigFile struct {
	ContextID      string                          `yaml:"context_id,omitempty" json:"context_id,omitempty"`
	Archives       map[string]ArchiveMarkerConfig  `yaml:"archives,omitempty" json:"archives,omitempty"`
	ExtraPipelines []string                        `yaml:"extra_pipelines,omitempty" json:"extra_pipelines,omitempty"`
}

// ParseConfigFile parses a context config document and fills in any
// missing required markers / context_id.
func ParseConfigFile(doc []byte) (*ConfigFile, error) {
	cfg := &ConfigFile{}
	if len(doc) > 0 {
		if err := yaml.Unmarshal(doc, cfg); err != nil {
			return nil, fmt.Errorf("kiaracontext: parsing context config: %w", err)
		}
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *ConfigFile) fillDefaults() {
	if c.ContextID == "" {
		c.ContextID = uuid.NewString()
	}
	if c.Archives == nil {
		c.Archives = make(map[string]ArchiveMarkerConfig)
	}
	for _, marker := range RequiredMarkers {
		if _, ok := c.Archives[marker]; !ok {
			c.Archives[marker] = ArchiveMarkerConfig{ArchiveType: "memory"}
		}
	}
}
