package kiaracontext

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kiara-data/kiara/aliasregistry"
	"github.com/kiara-data/kiara/datatype"
	"github.com/kiara-data/kiara/dataregistry"
	"github.com/kiara-data/kiara/job"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/module/builtin"
	"github.com/kiara-data/kiara/operation"
	"github.com/kiara-data/kiara/pipelinemodule"
)

const configFileName = "context.yaml"

// DefaultMaterializationCacheSize bounds the DataRegistry's in-memory
// materialization cache for contexts opened without an explicit override.
const DefaultMaterializationCacheSize = 512

// Context is the top-level handle described in spec.md §6: a wired set
// of registries backed by the archives bound in its config file, plus
// the settings seeded from KIARA_*/KIARA_SETTING_* environment
// variables (spec.md §6 "Environment variables").
type Context struct {
	ID  string
	Dir string

	Modules    *module.Registry
	Types      *datatype.Registry
	Data       *dataregistry.Registry
	Aliases    *aliasregistry.Registry
	Jobs       *job.Registry
	Operations *operation.Registry

	// Settings holds KIARA_* env vars (minus the prefix, lower-cased).
	Settings map[string]string
	// RuntimeSettings holds KIARA_SETTING_* env vars.
	RuntimeSettings map[string]string

	ExtraPipelines []string

	archives map[string]FullArchive
	lockFile *os.File

	mu      sync.RWMutex
	watcher *configWatcher
}

// Archive returns the archive bound to marker, if any.
func (c *Context) Archive(marker string) (FullArchive, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.archives[marker]
	return a, ok
}

// Open loads the context rooted at dir (creating it, and writing a fresh
// config file with a new context_id, if absent), acquires the advisory
// context lock, resolves every archive marker in
// its config file via types, and wires the core registries together
// (spec.md §4: module/datatype/dataregistry/aliasregistry/job/operation).
func Open(dir string, types *ArchiveTypeRegistry) (*Context, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("kiaracontext: creating context dir %s: %w", dir, err)
	}

	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(dir)
	if err != nil {
		releaseLock(lockFile, dir)
		return nil, err
	}

	c, err := build(dir, cfg, types)
	if err != nil {
		releaseLock(lockFile, dir)
		return nil, err
	}
	c.lockFile = lockFile
	return c, nil
}

func loadConfigFile(dir string) (*ConfigFile, error) {
	path := filepath.Join(dir, configFileName)
	doc, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg, err := ParseConfigFile(nil)
			if err != nil {
				return nil, err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return nil, fmt.Errorf("kiaracontext: encoding %s: %w", path, err)
			}
			if err := os.WriteFile(path, out, 0o644); err != nil {
				return nil, fmt.Errorf("kiaracontext: writing %s: %w", path, err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("kiaracontext: reading %s: %w", path, err)
	}
	return ParseConfigFile(doc)
}

func build(dir string, cfg *ConfigFile, types *ArchiveTypeRegistry) (*Context, error) {
	archives := make(map[string]FullArchive, len(cfg.Archives))
	for marker, markerCfg := range cfg.Archives {
		a, err := types.Create(markerCfg)
		if err != nil {
			return nil, fmt.Errorf("kiaracontext: resolving archive marker %q: %w", marker, err)
		}
		archives[marker] = a
	}

	dataStore, ok := archives["default_data_store"]
	if !ok {
		return nil, fmt.Errorf("kiaracontext: missing required archive marker default_data_store")
	}
	aliasStore, ok := archives["default_alias_store"]
	if !ok {
		return nil, fmt.Errorf("kiaracontext: missing required archive marker default_alias_store")
	}
	jobStore, ok := archives["default_job_store"]
	if !ok {
		return nil, fmt.Errorf("kiaracontext: missing required archive marker default_job_store")
	}

	typeReg := datatype.NewRegistry()
	datatype.RegisterBuiltins(typeReg)

	dataReg, err := dataregistry.New(typeReg, DefaultMaterializationCacheSize, dataStore)
	if err != nil {
		return nil, fmt.Errorf("kiaracontext: creating data registry: %w", err)
	}

	moduleReg := module.NewRegistry()
	builtin.Register(moduleReg)

	jobReg := job.New(moduleReg, dataReg, jobStore, dataStore)
	pipelinemodule.NewFactory(moduleReg, dataReg, jobReg).Register(moduleReg)

	c := &Context{
		ID:              cfg.ContextID,
		Dir:             dir,
		Modules:         moduleReg,
		Types:           typeReg,
		Data:            dataReg,
		Aliases:         aliasregistry.New(aliasStore),
		Jobs:            jobReg,
		Operations:      operation.NewRegistry(moduleReg),
		Settings:        make(map[string]string),
		RuntimeSettings: make(map[string]string),
		ExtraPipelines:  cfg.ExtraPipelines,
		archives:        archives,
	}
	seedEnvSettings(c)
	return c, nil
}

// seedEnvSettings populates Settings/RuntimeSettings from the process
// environment (spec.md §6: "KIARA_* (prefix) seed the top-level settings
// object; KIARA_SETTING_* seeds the runtime settings object"). The more
// specific prefix is checked first so a KIARA_SETTING_* var never also
// lands in Settings under its full un-trimmed key.
func seedEnvSettings(c *Context) {
	for _, kv := range os.Environ() {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch {
		case strings.HasPrefix(key, "KIARA_SETTING_"):
			name := strings.ToLower(strings.TrimPrefix(key, "KIARA_SETTING_"))
			c.RuntimeSettings[name] = value
		case strings.HasPrefix(key, "KIARA_"):
			name := strings.ToLower(strings.TrimPrefix(key, "KIARA_"))
			c.Settings[name] = value
		}
	}
}

// Close releases the context lock, stops any running config watcher,
// and closes every archive that owns an underlying resource (e.g. the
// sqlite backend's *sql.DB).
func (c *Context) Close() error {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()

	if w != nil {
		w.stop()
	}

	c.mu.RLock()
	archives := c.archives
	c.mu.RUnlock()

	var errs []error
	for marker, a := range archives {
		if closer, ok := a.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing archive %q: %w", marker, err))
			}
		}
	}
	if c.lockFile != nil {
		if err := releaseLock(c.lockFile, c.Dir); err != nil {
			errs = append(errs, fmt.Errorf("releasing context lock: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("kiaracontext: close: %v", errs)
	}
	return nil
}
