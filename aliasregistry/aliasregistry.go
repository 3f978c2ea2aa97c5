// Package aliasregistry implements the human-readable alias -> value_id
// table described in spec.md §4.8. Grounded directly on the spec; the
// map-based registry shape mirrors module.Registry's simplicity (a
// name -> target lookup table guarded by a single RWMutex).
package aliasregistry

import (
	"fmt"

	"github.com/kiara-data/kiara/archive"
)

// Registry resolves aliases against a scoping archive.AliasArchive.
// Kiara keeps no in-process alias state of its own beyond the archive:
// every operation here delegates straight through, matching spec.md
// §4.8's framing of an alias as "scoped by an alias archive".
type Registry struct {
	store archive.AliasArchive
}

// New creates an AliasRegistry scoped to the given alias archive.
func New(store archive.AliasArchive) *Registry {
	return &Registry{store: store}
}

// RegisterAliases binds valueID to each of aliases. allowOverwrite
// governs conflict resolution (spec.md §4.8 "overwrite iff
// allow_overwrite, else error").
func (r *Registry) RegisterAliases(valueID string, aliases []string, allowOverwrite bool) error {
	for _, alias := range aliases {
		if existing, ok, err := r.store.GetAlias(alias); err != nil {
			return err
		} else if ok && existing != valueID && !allowOverwrite {
			return fmt.Errorf("alias %q already points to %q (allow_overwrite is false)", alias, existing)
		}
		if err := r.store.PutAlias(alias, valueID); err != nil {
			return err
		}
	}
	return nil
}

// FindValueIDForAlias resolves alias to its bound value_id.
func (r *Registry) FindValueIDForAlias(alias string) (string, bool, error) {
	return r.store.GetAlias(alias)
}

// FindAliasesForValueID returns every alias currently bound to valueID.
func (r *Registry) FindAliasesForValueID(valueID string) ([]string, error) {
	return r.store.AliasesForValue(valueID)
}

// AllAliases returns every alias -> value_id binding in the scoping archive.
func (r *Registry) AllAliases() (map[string]string, error) {
	return r.store.AllAliases()
}
