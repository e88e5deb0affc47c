package engine

import (
	"sort"
	"time"
)

// SyncMode controls what happens to components on disk that the manifest
// does not name.
type SyncMode string

const (
	// SyncAdditive leaves unnamed components untouched. This is the
	// default.
	SyncAdditive SyncMode = "additive"

	// SyncExhaustive emits a remove for every managed component on disk
	// that the manifest does not name.
	SyncExhaustive SyncMode = "exhaustive"
)

// Diff compares current state to a manifest and produces the ordered list
// of changes needed to converge. Pure function: identical inputs always
// yield an identically ordered change list, and nothing is read or written
// outside the arguments.
func Diff(current *StateMap, target *Manifest, mode SyncMode) *Delta {
	delta := &Delta{ComputedAt: time.Now().UTC()}

	for _, name := range target.ComponentNames() {
		desired := target.Components[name]
		change := Change{
			Component:     name,
			Path:          desired.Path,
			ToHash:        desired.Hash,
			StagingSource: desired.Source,
		}

		cur, ok := current.Get(name)
		switch {
		case !ok || cur.Status == StatusMissing:
			change.Kind = ChangeAdd
		case cur.Hash == desired.Hash:
			change.Kind = ChangeNone
			change.FromHash = cur.Hash
			change.StagingSource = ""
		default:
			change.Kind = ChangeUpdate
			change.FromHash = cur.Hash
		}
		delta.Changes = append(delta.Changes, change)
	}

	if mode == SyncExhaustive {
		var extras []string
		for name, c := range current.Components {
			if !c.Managed {
				continue
			}
			if _, named := target.Components[name]; !named {
				extras = append(extras, name)
			}
		}
		sort.Strings(extras)
		for _, name := range extras {
			cur := current.Components[name]
			delta.Changes = append(delta.Changes, Change{
				Kind:      ChangeRemove,
				Component: name,
				Path:      cur.Path,
				FromHash:  cur.Hash,
			})
		}
	}

	return delta
}
