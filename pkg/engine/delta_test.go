package engine

import (
	"reflect"
	"strings"
	"testing"
)

func testState(components ...Component) *StateMap {
	state := &StateMap{Components: make(map[string]Component)}
	for _, c := range components {
		state.Components[c.Name] = c
	}
	return state
}

func testManifest(components map[string]ManifestComponent) *Manifest {
	return &Manifest{
		Version:    ManifestVersion,
		Timestamp:  1700000000,
		Components: components,
	}
}

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		state     *StateMap
		manifest  *Manifest
		mode      SyncMode
		wantKinds map[string]ChangeKind
	}{
		{
			name:  "absent component becomes add",
			state: testState(),
			manifest: testManifest(map[string]ManifestComponent{
				"alpha": {Hash: hashA, Path: "/opt/bin/alpha"},
			}),
			mode:      SyncAdditive,
			wantKinds: map[string]ChangeKind{"alpha": ChangeAdd},
		},
		{
			name: "missing status becomes add",
			state: testState(
				Component{Name: "alpha", Status: StatusMissing, Managed: true},
			),
			manifest: testManifest(map[string]ManifestComponent{
				"alpha": {Hash: hashA, Path: "/opt/bin/alpha"},
			}),
			mode:      SyncAdditive,
			wantKinds: map[string]ChangeKind{"alpha": ChangeAdd},
		},
		{
			name: "matching hash becomes none",
			state: testState(
				Component{Name: "alpha", Status: StatusHealthy, Hash: hashA, Managed: true},
			),
			manifest: testManifest(map[string]ManifestComponent{
				"alpha": {Hash: hashA, Path: "/opt/bin/alpha"},
			}),
			mode:      SyncAdditive,
			wantKinds: map[string]ChangeKind{"alpha": ChangeNone},
		},
		{
			name: "diverged hash becomes update",
			state: testState(
				Component{Name: "alpha", Status: StatusHealthy, Hash: hashB, Managed: true},
			),
			manifest: testManifest(map[string]ManifestComponent{
				"alpha": {Hash: hashA, Path: "/opt/bin/alpha"},
			}),
			mode:      SyncAdditive,
			wantKinds: map[string]ChangeKind{"alpha": ChangeUpdate},
		},
		{
			name: "additive leaves unnamed component alone",
			state: testState(
				Component{Name: "alpha", Status: StatusHealthy, Hash: hashA, Managed: true},
				Component{Name: "extra", Status: StatusHealthy, Hash: hashC, Managed: true},
			),
			manifest: testManifest(map[string]ManifestComponent{
				"alpha": {Hash: hashA, Path: "/opt/bin/alpha"},
			}),
			mode:      SyncAdditive,
			wantKinds: map[string]ChangeKind{"alpha": ChangeNone},
		},
		{
			name: "exhaustive removes unnamed managed component",
			state: testState(
				Component{Name: "alpha", Status: StatusHealthy, Hash: hashA, Managed: true},
				Component{Name: "extra", Status: StatusHealthy, Hash: hashC, Managed: true, Path: "/opt/bin/extra"},
			),
			manifest: testManifest(map[string]ManifestComponent{
				"alpha": {Hash: hashA, Path: "/opt/bin/alpha"},
			}),
			mode:      SyncExhaustive,
			wantKinds: map[string]ChangeKind{"alpha": ChangeNone, "extra": ChangeRemove},
		},
		{
			name: "exhaustive never removes unmanaged components",
			state: testState(
				Component{Name: "alpha", Status: StatusHealthy, Hash: hashA, Managed: true},
				Component{Name: "node", Status: StatusHealthy, Hash: hashC, Managed: false},
			),
			manifest: testManifest(map[string]ManifestComponent{
				"alpha": {Hash: hashA, Path: "/opt/bin/alpha"},
			}),
			mode:      SyncExhaustive,
			wantKinds: map[string]ChangeKind{"alpha": ChangeNone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := Diff(tt.state, tt.manifest, tt.mode)
			if len(delta.Changes) != len(tt.wantKinds) {
				t.Fatalf("expected %d changes, got %d: %+v", len(tt.wantKinds), len(delta.Changes), delta.Changes)
			}
			for _, change := range delta.Changes {
				want, ok := tt.wantKinds[change.Component]
				if !ok {
					t.Errorf("unexpected change for %s", change.Component)
					continue
				}
				if change.Kind != want {
					t.Errorf("component %s: expected kind %s, got %s", change.Component, want, change.Kind)
				}
			}
		})
	}
}

func TestDiffChangeFields(t *testing.T) {
	state := testState(
		Component{Name: "alpha", Status: StatusHealthy, Hash: hashB, Managed: true},
	)
	manifest := testManifest(map[string]ManifestComponent{
		"alpha": {Hash: hashA, Path: "/opt/bin/alpha", Source: "alpha-1.2.3"},
	})

	delta := Diff(state, manifest, SyncAdditive)
	if len(delta.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(delta.Changes))
	}
	change := delta.Changes[0]
	if change.FromHash != hashB {
		t.Errorf("expected from_hash %s, got %s", hashB, change.FromHash)
	}
	if change.ToHash != hashA {
		t.Errorf("expected to_hash %s, got %s", hashA, change.ToHash)
	}
	if change.StagingSource != "alpha-1.2.3" {
		t.Errorf("expected staging source to carry through, got %q", change.StagingSource)
	}
	if change.Path != "/opt/bin/alpha" {
		t.Errorf("expected manifest path, got %q", change.Path)
	}
}

func TestDiffNoneClearsStagingSource(t *testing.T) {
	state := testState(
		Component{Name: "alpha", Status: StatusHealthy, Hash: hashA, Managed: true},
	)
	manifest := testManifest(map[string]ManifestComponent{
		"alpha": {Hash: hashA, Path: "/opt/bin/alpha", Source: "alpha-1.2.3"},
	})

	delta := Diff(state, manifest, SyncAdditive)
	if delta.Changes[0].StagingSource != "" {
		t.Errorf("no-op change must not reference staging, got %q", delta.Changes[0].StagingSource)
	}
}

// Identical inputs must yield an identically ordered change list.
func TestDiffDeterministic(t *testing.T) {
	state := testState(
		Component{Name: "gamma", Status: StatusHealthy, Hash: hashC, Managed: true, Path: "/opt/bin/gamma"},
		Component{Name: "delta", Status: StatusHealthy, Hash: hashC, Managed: true, Path: "/opt/bin/delta"},
	)
	manifest := testManifest(map[string]ManifestComponent{
		"zeta":  {Hash: hashA, Path: "/opt/bin/zeta"},
		"alpha": {Hash: hashB, Path: "/opt/bin/alpha"},
		"beta":  {Hash: hashC, Path: "/opt/bin/beta"},
	})

	first := Diff(state, manifest, SyncExhaustive)
	for i := 0; i < 10; i++ {
		next := Diff(state, manifest, SyncExhaustive)
		if !reflect.DeepEqual(changeList(first), changeList(next)) {
			t.Fatalf("diff order is not deterministic:\nfirst: %v\nnext:  %v", changeList(first), changeList(next))
		}
	}

	// Named components in sorted order, then sorted removes.
	got := changeList(first)
	want := []string{"alpha", "beta", "zeta", "delta", "gamma"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected order %v, got %v", want, got)
	}
}

func changeList(d *Delta) []string {
	names := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		names = append(names, c.Component)
	}
	return names
}

func TestDeltaEmptyAndMutations(t *testing.T) {
	delta := &Delta{Changes: []Change{
		{Kind: ChangeNone, Component: "alpha"},
		{Kind: ChangeNone, Component: "beta"},
	}}
	if !delta.Empty() {
		t.Error("delta of only no-ops must be empty")
	}
	if len(delta.Mutations()) != 0 {
		t.Error("no-ops must not appear in mutations")
	}

	delta.Changes = append(delta.Changes, Change{Kind: ChangeUpdate, Component: "gamma"})
	if delta.Empty() {
		t.Error("delta with an update is not empty")
	}
	muts := delta.Mutations()
	if len(muts) != 1 || muts[0].Component != "gamma" {
		t.Errorf("expected single gamma mutation, got %+v", muts)
	}
}
