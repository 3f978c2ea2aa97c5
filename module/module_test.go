package module

import (
	"context"
	"errors"
	"testing"

	"github.com/kiara-data/kiara/kerrors"
	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/value"
)

type nopModule struct{}

func (nopModule) InputsSchema() map[string]value.Schema  { return nil }
func (nopModule) OutputsSchema() map[string]value.Schema { return nil }
func (nopModule) Constants() map[string]any              { return nil }
func (nopModule) Defaults() map[string]any                { return nil }
func (nopModule) Characteristics() Characteristics {
	return Characteristics{IsIdempotent: true}
}
func (nopModule) Process(context.Context, *value.Map, *value.Map, JobLog) error { return nil }

func TestCreate_UnknownModuleTypeIsKerrorsKind(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Create(manifest.Manifest{ModuleType: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unregistered module type")
	}
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Kind != kerrors.KindUnknownModuleType {
		t.Fatalf("expected KindUnknownModuleType, got %v", err)
	}
}

func TestCreate_RejectsConfigFailingRegisteredSchema(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", func(manifest.Config) (Module, error) { return nopModule{}, nil })
	if err := reg.RegisterConfigSchema("echo", []byte(`{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`)); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Create(manifest.Manifest{ModuleType: "echo", ModuleConfig: manifest.Config{}})
	if err == nil {
		t.Fatal("expected error for module_config missing required field")
	}
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Kind != kerrors.KindInvalidManifestConfig {
		t.Fatalf("expected KindInvalidManifestConfig, got %v", err)
	}

	mod, err := reg.Create(manifest.Manifest{ModuleType: "echo", ModuleConfig: manifest.Config{"name": "a"}})
	if err != nil {
		t.Fatalf("expected valid config to be accepted, got %v", err)
	}
	if mod == nil {
		t.Fatal("expected a module instance")
	}
}

func TestCreate_NoSchemaRegisteredSkipsValidation(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", func(manifest.Config) (Module, error) { return nopModule{}, nil })

	if _, err := reg.Create(manifest.Manifest{ModuleType: "echo"}); err != nil {
		t.Fatalf("expected no schema to mean no validation, got %v", err)
	}
}
