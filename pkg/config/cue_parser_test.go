package config

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	parser, err := NewParser()
	if err != nil {
		t.Fatalf("cannot create parser: %v", err)
	}
	return parser
}

func TestParseString(t *testing.T) {
	parser := newTestParser(t)

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "valid full config",
			content: `
root_dir: "/srv/verge"
bin_dir:  "bin"

retention: {
	max_count:    3
	max_age_days: 14
}

validation: {
	sync_mode: "exhaustive"
	strict:    true
}

components: [{
	name:    "alpha"
	path:    "alpha"
	managed: true
}, {
	name:          "node"
	path:          "/usr/bin/node"
	source:        "nodejs.org"
	update_method: "external_installer"
	probe: {
		type: "pattern"
	}
}]
`,
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.RootDir != "/srv/verge" {
					t.Errorf("root_dir: got %q", cfg.RootDir)
				}
				if cfg.Retention.MaxCount != 3 || cfg.Retention.MaxAgeDays != 14 {
					t.Errorf("retention: got %+v", cfg.Retention)
				}
				if cfg.Validation.SyncMode != "exhaustive" || !cfg.Validation.Strict {
					t.Errorf("validation: got %+v", cfg.Validation)
				}
				if len(cfg.Components) != 2 {
					t.Fatalf("components: got %d", len(cfg.Components))
				}
				if !cfg.Components[0].Managed || cfg.Components[1].Managed {
					t.Errorf("managed flags: got %+v", cfg.Components)
				}
				if cfg.Components[1].Source != "nodejs.org" || cfg.Components[1].UpdateMethod != "external_installer" {
					t.Errorf("origin metadata: got %+v", cfg.Components[1])
				}
			},
		},
		{
			name: "minimal config",
			content: `
root_dir: "/srv/verge"
`,
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.Components) != 0 {
					t.Errorf("expected no components, got %d", len(cfg.Components))
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
root_dir: "/srv/verge"
this is not cue
`,
			wantErr: true,
		},
		{
			name: "invalid sync mode",
			content: `
root_dir: "/srv/verge"
validation: sync_mode: "aggressive"
`,
			wantErr: true,
		},
		{
			name: "wrong type for retention",
			content: `
root_dir: "/srv/verge"
retention: max_count: "three"
`,
			wantErr: true,
		},
		{
			name: "component without path",
			content: `
root_dir: "/srv/verge"
components: [{name: "alpha"}]
`,
			wantErr: true,
		},
		{
			name: "unknown probe type",
			content: `
root_dir: "/srv/verge"
components: [{name: "alpha", path: "alpha", probe: type: "telepathy"}]
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, errs := parser.ParseString(tt.content, "test.cue")
			if tt.wantErr {
				if len(errs) == 0 {
					t.Fatalf("expected validation errors, got config %+v", cfg)
				}
				return
			}
			if len(errs) > 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, cfg)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	root := t.TempDir()
	confDir := filepath.Join(root, "config")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(confDir, "verge.cue")
	content := `
components: [{
	name:    "alpha"
	path:    "alpha"
	managed: true
	probe: type: "none"
}]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	parser := newTestParser(t)
	cfg, err := parser.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// Absent root_dir resolves to the config directory's parent.
	if cfg.RootDir != root {
		t.Errorf("expected root %q, got %q", root, cfg.RootDir)
	}
	if cfg.BinDir != "bin" || cfg.StagingDir != "staging" || cfg.SnapshotsDir != "snapshots" {
		t.Errorf("directory defaults not applied: %+v", cfg)
	}
	if cfg.Validation.SyncMode != "additive" {
		t.Errorf("expected additive default, got %q", cfg.Validation.SyncMode)
	}
	if cfg.Inspection.Parallelism != 4 || cfg.Inspection.ProbeTimeoutSeconds != 5 {
		t.Errorf("inspection defaults not applied: %+v", cfg.Inspection)
	}
	if cfg.Reconcile.WatchdogSeconds != 600 {
		t.Errorf("watchdog default not applied: %d", cfg.Reconcile.WatchdogSeconds)
	}

	if cfg.AbsBinDir() != filepath.Join(root, "bin") {
		t.Errorf("unexpected abs bin dir %q", cfg.AbsBinDir())
	}
	if cfg.AbsDatabasePath() != filepath.Join(root, "verge.db") {
		t.Errorf("unexpected abs database path %q", cfg.AbsDatabasePath())
	}
}

func TestLoadMissingFile(t *testing.T) {
	parser := newTestParser(t)
	if _, err := parser.Load(filepath.Join(t.TempDir(), "absent.cue")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestParseStringReportsPositions(t *testing.T) {
	parser := newTestParser(t)
	_, errs := parser.ParseString(`
root_dir: "/srv/verge"
validation: sync_mode: "aggressive"
`, "verge.cue")
	if len(errs) == 0 {
		t.Fatal("expected errors")
	}
	if errs[0].File == "" {
		t.Error("validation errors should carry the file name")
	}
}
