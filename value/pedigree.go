package value

import "github.com/kiara-data/kiara/hashkit"

// ID is a value's identity, assigned on registration and stable across a
// context. Spec.md §3: "value_id (opaque UUID-sized, assigned on
// registration, stable across a context)".
type ID string

// Pedigree expresses "this value was produced by module M from these
// inputs", or ORPHAN for externally supplied data. Spec.md §3 "ValuePedigree".
type Pedigree struct {
	KiaraID            string
	ManifestHash       hashkit.Digest
	Inputs             map[string]ID
	EnvironmentHashes  map[string]hashkit.Digest
	Orphan             bool
}

// NewOrphanPedigree builds the pedigree used for externally supplied data
// (spec.md §3: "An ORPHAN pedigree denotes externally supplied data").
func NewOrphanPedigree(kiaraID string) Pedigree {
	return Pedigree{KiaraID: kiaraID, Orphan: true}
}

// Equal reports whether two pedigrees denote the same provenance: same
// manifest and same input value ids, ignoring environment hashes (used for
// the RESULTS_READY invariant in spec.md §8: "the pedigree of each output
// value equals ValuePedigree(s.manifest, current step inputs)").
func (p Pedigree) Equal(other Pedigree) bool {
	if p.Orphan != other.Orphan {
		return false
	}
	if p.Orphan {
		return true
	}
	if p.ManifestHash != other.ManifestHash {
		return false
	}
	if len(p.Inputs) != len(other.Inputs) {
		return false
	}
	for field, id := range p.Inputs {
		if other.Inputs[field] != id {
			return false
		}
	}
	return true
}
