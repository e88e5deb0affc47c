package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validTestManifest() *Manifest {
	return &Manifest{
		Version:   ManifestVersion,
		Timestamp: 1700000000,
		Components: map[string]ManifestComponent{
			"alpha": {
				Version: "1.2.3",
				Hash:    hashA,
				Path:    "/opt/bin/alpha",
			},
		},
	}
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{
			name:   "valid manifest",
			mutate: func(m *Manifest) {},
		},
		{
			name:    "zero timestamp",
			mutate:  func(m *Manifest) { m.Timestamp = 0 },
			wantErr: "structural",
		},
		{
			name:    "no components",
			mutate:  func(m *Manifest) { m.Components = map[string]ManifestComponent{} },
			wantErr: "structural",
		},
		{
			name: "short hash",
			mutate: func(m *Manifest) {
				c := m.Components["alpha"]
				c.Hash = "abc123"
				m.Components["alpha"] = c
			},
			wantErr: "structural",
		},
		{
			name: "uppercase hash",
			mutate: func(m *Manifest) {
				c := m.Components["alpha"]
				c.Hash = strings.ToUpper(hashA)
				m.Components["alpha"] = c
			},
			wantErr: "64 lowercase hex",
		},
		{
			name: "non-hex hash",
			mutate: func(m *Manifest) {
				c := m.Components["alpha"]
				c.Hash = strings.Repeat("z", 64)
				m.Components["alpha"] = c
			},
			wantErr: "structural",
		},
		{
			name: "missing path",
			mutate: func(m *Manifest) {
				c := m.Components["alpha"]
				c.Path = ""
				m.Components["alpha"] = c
			},
			wantErr: "structural",
		},
		{
			name: "missing version",
			mutate: func(m *Manifest) {
				c := m.Components["alpha"]
				c.Version = ""
				m.Components["alpha"] = c
			},
			wantErr: "structural",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validTestManifest()
			tt.mutate(m)
			err := ValidateManifest(m)

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation to fail")
			}
			if !HasCode(err, ErrCodeStructuralManifest) {
				t.Errorf("expected code %s, got %v", ErrCodeStructuralManifest, err)
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.wantErr)) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	t.Run("round trip", func(t *testing.T) {
		path := filepath.Join(dir, "manifest.json")
		want := validTestManifest()
		if err := SaveManifest(want, path); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		got, err := LoadManifest(path)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if !Equivalent(want, got) {
			t.Error("round-tripped manifest is not equivalent")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadManifest(filepath.Join(dir, "nope.json"))
		if !HasCode(err, ErrCodeStructuralManifest) {
			t.Errorf("expected structural manifest error, got %v", err)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := LoadManifest(path)
		if !HasCode(err, ErrCodeStructuralManifest) {
			t.Errorf("expected structural manifest error, got %v", err)
		}
	})
}

func TestEquivalent(t *testing.T) {
	base := validTestManifest()

	same := validTestManifest()
	same.Timestamp = 1800000000
	same.Signature = "unrelated"
	same.Metadata.Hostname = "elsewhere"
	if !Equivalent(base, same) {
		t.Error("metadata differences must not break equivalence")
	}

	diffHash := validTestManifest()
	c := diffHash.Components["alpha"]
	c.Hash = hashB
	diffHash.Components["alpha"] = c
	if Equivalent(base, diffHash) {
		t.Error("different hashes are not equivalent")
	}

	extra := validTestManifest()
	extra.Components["beta"] = ManifestComponent{Version: "2.0.0", Hash: hashB, Path: "/opt/bin/beta"}
	if Equivalent(base, extra) {
		t.Error("different component sets are not equivalent")
	}
}

func TestGenerateManifest(t *testing.T) {
	state := testState(
		Component{Name: "alpha", Status: StatusHealthy, Hash: hashA, Managed: true, Version: "1.0.0", Path: "/opt/bin/alpha"},
		Component{Name: "broken", Status: StatusCorrupted, Hash: hashB, Managed: true, Path: "/opt/bin/broken"},
		Component{Name: "node", Status: StatusHealthy, Hash: hashC, Managed: false, Path: "/usr/bin/node"},
	)

	m := GenerateManifest(state)
	if len(m.Components) != 1 {
		t.Fatalf("expected only the healthy managed component, got %v", m.ComponentNames())
	}
	c, ok := m.Components["alpha"]
	if !ok {
		t.Fatal("alpha missing from generated manifest")
	}
	if c.Hash != hashA || c.Version != "1.0.0" || c.Path != "/opt/bin/alpha" {
		t.Errorf("unexpected component fields: %+v", c)
	}
	if m.Timestamp <= 0 {
		t.Error("generated manifest must carry a timestamp")
	}
	if m.Metadata.GeneratedBy != "verge" {
		t.Errorf("unexpected generator: %q", m.Metadata.GeneratedBy)
	}
}

func TestGenerateDiffRoundTrip(t *testing.T) {
	state := testState(
		Component{Name: "alpha", Status: StatusHealthy, Hash: hashA, Managed: true, Version: "1.0.0", Path: "/opt/bin/alpha"},
		Component{Name: "beta", Status: StatusHealthy, Hash: hashB, Managed: true, Version: "2.0.0", Path: "/opt/bin/beta"},
	)

	// Diffing a state against the manifest generated from it is always empty.
	for _, mode := range []SyncMode{SyncAdditive, SyncExhaustive} {
		delta := Diff(state, GenerateManifest(state), mode)
		if !delta.Empty() {
			t.Errorf("mode %s: round trip should be empty, got %+v", mode, delta.Changes)
		}
	}
}
