// Package manifest implements the canonical (module_type, module_config)
// identifier described in spec.md §3/§4.3.
package manifest

import "github.com/kiara-data/kiara/hashkit"

// Config is a module's configuration map, generalized from the teacher's
// config.ModuleConfig.Config field (config/config.go) into the value the
// manifest hash is derived from.
type Config map[string]any

// Manifest is the canonical identifier of a pure function: a module type
// name plus its configuration. Two manifests with the same hash denote the
// same pure function (spec.md §3).
type Manifest struct {
	ModuleType   string
	ModuleConfig Config
}

// Hash computes manifest_hash = hash(module_type, canonical(module_config)).
func (m Manifest) Hash() (hashkit.Digest, error) {
	cfg := m.ModuleConfig
	if cfg == nil {
		cfg = Config{}
	}
	return hashkit.HashFields("module_type", m.ModuleType, "module_config", map[string]any(cfg))
}

// InstanceCID is module_instance_cid = hash(module_type,
// canonical(module_config)) (spec.md §4.3) — identical computation to Hash,
// named separately because callers reach for it from the module-instance
// lifecycle rather than the manifest-identity lifecycle.
func (m Manifest) InstanceCID() (hashkit.Digest, error) {
	return m.Hash()
}
