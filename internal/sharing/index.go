// Package sharing derives which applications depend on a database instance.
// Membership is always computed from a registry snapshot and never cached:
// the persisted DatabaseRef.Shared flag is a discovery hint only.
package sharing

import (
	"sort"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// Membership is the set of applications referencing one database instance.
type Membership struct {
	Key  string
	Ref  opsv1.DatabaseRef
	Apps []string
}

// Count is the number of distinct referencing applications.
func (m Membership) Count() int {
	return len(m.Apps)
}

// IsShared reports whether more than one application references the instance.
func (m Membership) IsShared() bool {
	return len(m.Apps) > 1
}

// Others returns the referencing applications other than appName.
func (m Membership) Others(appName string) []string {
	var out []string
	for _, a := range m.Apps {
		if a != appName {
			out = append(out, a)
		}
	}
	return out
}

// Dependents returns the applications in snapshot referencing ref. Records
// being deleted still count until they are gone.
func Dependents(snapshot []opsv1.Application, ref opsv1.DatabaseRef) Membership {
	key := ref.Key()
	seen := make(map[string]struct{})
	for i := range snapshot {
		app := &snapshot[i]
		for _, d := range app.Spec.DatabaseRefs {
			if d.Key() == key {
				seen[app.Spec.AppName] = struct{}{}
				break
			}
		}
	}
	return Membership{Key: key, Ref: ref, Apps: sortedKeys(seen)}
}

// Index maps every referenced database key to its membership.
type Index map[string]Membership

// Build computes an Index over the whole snapshot. Instances referenced by no
// application never appear.
func Build(snapshot []opsv1.Application) Index {
	refs := make(map[string]opsv1.DatabaseRef)
	apps := make(map[string]map[string]struct{})
	for i := range snapshot {
		app := &snapshot[i]
		for _, d := range app.Spec.DatabaseRefs {
			key := d.Key()
			if _, ok := refs[key]; !ok {
				refs[key] = d
				apps[key] = make(map[string]struct{})
			}
			apps[key][app.Spec.AppName] = struct{}{}
		}
	}

	idx := make(Index, len(refs))
	for key, ref := range refs {
		ref.Shared = len(apps[key]) > 1
		idx[key] = Membership{Key: key, Ref: ref, Apps: sortedKeys(apps[key])}
	}
	return idx
}

// Sorted returns the memberships ordered by key.
func (idx Index) Sorted() []Membership {
	out := make([]Membership, 0, len(idx))
	for _, m := range idx {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
