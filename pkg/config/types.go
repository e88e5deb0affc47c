// Package config loads and validates verge installation configuration.
// The main config file is CUE; an optional YAML registry supplies the
// component list when it is generated by external tooling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/verge-sh/verge/pkg/engine"
	"github.com/verge-sh/verge/pkg/probe"
	"github.com/verge-sh/verge/pkg/telemetry"
)

// ProbeType selects the prober variant for a component.
type ProbeType string

const (
	// ProbeJSON invokes the binary's structured self-description protocol.
	ProbeJSON ProbeType = "json"

	// ProbePattern runs the binary's own version flag and pattern-matches
	// the free-text output.
	ProbePattern ProbeType = "pattern"

	// ProbeStarlark runs a custom extractor script over the output.
	ProbeStarlark ProbeType = "starlark"

	// ProbeNone registers the component hash-only: presence and SHA-256
	// are tracked, no subprocess is run.
	ProbeNone ProbeType = "none"
)

// ProbeConfig describes how to interrogate one component.
type ProbeConfig struct {
	// Type selects the prober variant. Defaults to json for managed
	// components and pattern for external ones.
	Type ProbeType `json:"type" yaml:"type"`

	// Args overrides the probe argument vector.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// VersionPath is the dot path to the version field (json probes).
	VersionPath string `json:"version_path,omitempty" yaml:"version_path,omitempty"`

	// NamePath is the dot path to the name field (json probes).
	NamePath string `json:"name_path,omitempty" yaml:"name_path,omitempty"`

	// Pattern is a custom version regex with one capturing group
	// (pattern probes).
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Script is the Starlark extractor source (starlark probes).
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
}

// ComponentConfig registers one component with the inspector.
type ComponentConfig struct {
	// Name is the component identifier.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Path is the binary path, absolute or relative to the bin
	// directory.
	Path string `json:"path" yaml:"path" validate:"required"`

	// Managed marks components this reconciler may replace. External
	// components are inspected only.
	Managed bool `json:"managed" yaml:"managed"`

	// Source names where an external component comes from, e.g. its
	// vendor site.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// UpdateMethod names the mechanism that updates an external
	// component.
	UpdateMethod string `json:"update_method,omitempty" yaml:"update_method,omitempty"`

	// Probe describes how to interrogate the binary.
	Probe ProbeConfig `json:"probe" yaml:"probe"`
}

// RetentionConfig bounds snapshot retention.
type RetentionConfig struct {
	MaxCount   int `json:"max_count" yaml:"max_count" validate:"min=0"`
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days" validate:"min=0"`
}

// ValidationConfig tunes inspection strictness and delta semantics.
type ValidationConfig struct {
	// Strict aborts inspection on the first probe failure.
	Strict bool `json:"strict" yaml:"strict"`

	// SyncMode is "additive" (default) or "exhaustive".
	SyncMode string `json:"sync_mode" yaml:"sync_mode" validate:"omitempty,oneof=additive exhaustive"`
}

// InspectionConfig tunes the probe worker pool.
type InspectionConfig struct {
	Parallelism           int `json:"parallelism" yaml:"parallelism" validate:"min=0,max=64"`
	ProbeTimeoutSeconds   int `json:"probe_timeout_seconds" yaml:"probe_timeout_seconds" validate:"min=0"`
	OverallTimeoutSeconds int `json:"overall_timeout_seconds" yaml:"overall_timeout_seconds" validate:"min=0"`
}

// ReconcileConfig tunes the apply loop.
type ReconcileConfig struct {
	WatchdogSeconds int `json:"watchdog_seconds" yaml:"watchdog_seconds" validate:"min=0"`
	ApplyRetries    int `json:"apply_retries" yaml:"apply_retries" validate:"min=0,max=10"`
}

// Config is the full installation configuration.
type Config struct {
	// RootDir is the installation root. All relative directories below
	// resolve against it.
	RootDir string `json:"root_dir" yaml:"root_dir" validate:"required"`

	// BinDir holds the component binaries. Default "bin".
	BinDir string `json:"bin_dir" yaml:"bin_dir"`

	// StagingDir holds staged binaries awaiting apply. Default "staging".
	StagingDir string `json:"staging_dir" yaml:"staging_dir"`

	// SnapshotsDir holds snapshots. Default "snapshots".
	SnapshotsDir string `json:"snapshots_dir" yaml:"snapshots_dir"`

	// DatabasePath is the run history database. Default "verge.db".
	DatabasePath string `json:"database_path" yaml:"database_path"`

	// PolicyDir holds rego policies, empty to disable custom policies.
	PolicyDir string `json:"policy_dir" yaml:"policy_dir"`

	Retention  RetentionConfig  `json:"retention" yaml:"retention"`
	Validation ValidationConfig `json:"validation" yaml:"validation"`
	Inspection InspectionConfig `json:"inspection" yaml:"inspection"`
	Reconcile  ReconcileConfig  `json:"reconcile" yaml:"reconcile"`

	// Telemetry configures logging, metrics, tracing and the event sink.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	// Components is the static component registry.
	Components []ComponentConfig `json:"components" yaml:"components" validate:"dive"`
}

// DefaultConfig returns a configuration with all defaults applied for the
// given installation root.
func DefaultConfig(rootDir string) *Config {
	cfg := &Config{
		RootDir:      rootDir,
		BinDir:       "bin",
		StagingDir:   "staging",
		SnapshotsDir: "snapshots",
		DatabasePath: "verge.db",
		Retention:    RetentionConfig{MaxCount: 5, MaxAgeDays: 30},
		Validation:   ValidationConfig{SyncMode: string(engine.SyncAdditive)},
		Inspection:   InspectionConfig{Parallelism: 4, ProbeTimeoutSeconds: 5, OverallTimeoutSeconds: 60},
		Reconcile:    ReconcileConfig{WatchdogSeconds: 600, ApplyRetries: 2},
		Telemetry:    telemetry.DefaultConfig(),
	}
	cfg.Telemetry.Events.SinkPath = filepath.Join(rootDir, "events.jsonl")
	return cfg
}

// applyDefaults fills zero values in a parsed configuration.
func (c *Config) applyDefaults() {
	def := DefaultConfig(c.RootDir)
	if c.BinDir == "" {
		c.BinDir = def.BinDir
	}
	if c.StagingDir == "" {
		c.StagingDir = def.StagingDir
	}
	if c.SnapshotsDir == "" {
		c.SnapshotsDir = def.SnapshotsDir
	}
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.Validation.SyncMode == "" {
		c.Validation.SyncMode = def.Validation.SyncMode
	}
	if c.Inspection.Parallelism == 0 {
		c.Inspection.Parallelism = def.Inspection.Parallelism
	}
	if c.Inspection.ProbeTimeoutSeconds == 0 {
		c.Inspection.ProbeTimeoutSeconds = def.Inspection.ProbeTimeoutSeconds
	}
	if c.Inspection.OverallTimeoutSeconds == 0 {
		c.Inspection.OverallTimeoutSeconds = def.Inspection.OverallTimeoutSeconds
	}
	if c.Reconcile.WatchdogSeconds == 0 {
		c.Reconcile.WatchdogSeconds = def.Reconcile.WatchdogSeconds
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry = def.Telemetry
	}
}

// resolve joins a possibly relative path against the root.
func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.RootDir, path)
}

// AbsBinDir returns the absolute bin directory.
func (c *Config) AbsBinDir() string { return c.resolve(c.BinDir) }

// AbsStagingDir returns the absolute staging directory.
func (c *Config) AbsStagingDir() string { return c.resolve(c.StagingDir) }

// AbsSnapshotsDir returns the absolute snapshots directory.
func (c *Config) AbsSnapshotsDir() string { return c.resolve(c.SnapshotsDir) }

// AbsDatabasePath returns the absolute database path.
func (c *Config) AbsDatabasePath() string { return c.resolve(c.DatabasePath) }

// EnsureDirs creates the directories the engine writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.RootDir, c.AbsBinDir(), c.AbsStagingDir(), c.AbsSnapshotsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	return nil
}

// InspectorOptions converts tuning knobs to engine options.
func (c *Config) InspectorOptions() engine.InspectorOptions {
	return engine.InspectorOptions{
		Parallelism:    c.Inspection.Parallelism,
		ProbeTimeout:   time.Duration(c.Inspection.ProbeTimeoutSeconds) * time.Second,
		OverallTimeout: time.Duration(c.Inspection.OverallTimeoutSeconds) * time.Second,
		Strict:         c.Validation.Strict,
	}
}

// ReconcilerOptions converts tuning knobs to engine options.
func (c *Config) ReconcilerOptions() engine.ReconcilerOptions {
	return engine.ReconcilerOptions{
		StagingDir:   c.AbsStagingDir(),
		SyncMode:     engine.SyncMode(c.Validation.SyncMode),
		Watchdog:     time.Duration(c.Reconcile.WatchdogSeconds) * time.Second,
		ApplyRetries: c.Reconcile.ApplyRetries,
	}
}

// BuildSpecs converts the component registry into inspector specs,
// constructing the prober each component's probe config selects.
func (c *Config) BuildSpecs() ([]engine.ComponentSpec, error) {
	specs := make([]engine.ComponentSpec, 0, len(c.Components))
	for _, comp := range c.Components {
		path := comp.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.AbsBinDir(), path)
		}

		prober, err := buildProber(comp)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", comp.Name, err)
		}

		specs = append(specs, engine.ComponentSpec{
			Name:         comp.Name,
			Path:         path,
			Managed:      comp.Managed,
			Source:       comp.Source,
			UpdateMethod: comp.UpdateMethod,
			Prober:       prober,
		})
	}
	return specs, nil
}

func buildProber(comp ComponentConfig) (probe.Prober, error) {
	probeType := comp.Probe.Type
	if probeType == "" {
		if comp.Managed {
			probeType = ProbeJSON
		} else {
			probeType = ProbePattern
		}
	}

	switch probeType {
	case ProbeNone:
		return nil, nil

	case ProbeJSON:
		p := probe.NewJSONProbe()
		if len(comp.Probe.Args) > 0 {
			p.Args = comp.Probe.Args
		}
		if comp.Probe.VersionPath != "" {
			p.VersionPath = comp.Probe.VersionPath
		}
		if comp.Probe.NamePath != "" {
			p.NamePath = comp.Probe.NamePath
		}
		return p, nil

	case ProbePattern:
		p := probe.NewPatternProbe(comp.Name)
		if len(comp.Probe.Args) > 0 {
			p.Args = comp.Probe.Args
		}
		if comp.Probe.Pattern != "" {
			re, err := regexp.Compile(comp.Probe.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid probe pattern: %w", err)
			}
			if re.NumSubexp() != 1 {
				return nil, fmt.Errorf("probe pattern must have exactly one capturing group")
			}
			p.Pattern = re
		}
		return p, nil

	case ProbeStarlark:
		if comp.Probe.Script == "" {
			return nil, fmt.Errorf("starlark probe requires a script")
		}
		args := comp.Probe.Args
		if len(args) == 0 {
			args = []string{"--version"}
		}
		return probe.NewStarlarkProbe(args, comp.Probe.Script), nil
	}
	return nil, fmt.Errorf("unknown probe type %q", probeType)
}

// RetentionPolicy converts retention config to the engine type.
func (c *Config) RetentionPolicy() engine.RetentionPolicy {
	return engine.RetentionPolicy{
		MaxCount:   c.Retention.MaxCount,
		MaxAgeDays: c.Retention.MaxAgeDays,
	}
}
