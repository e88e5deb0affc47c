package engine

import (
	"time"
)

// ComponentStatus classifies the health of one inspected component.
type ComponentStatus string

const (
	// StatusHealthy means the binary exists and answered its probe.
	StatusHealthy ComponentStatus = "healthy"

	// StatusMissing means the binary does not exist at its path.
	StatusMissing ComponentStatus = "missing"

	// StatusCorrupted means the binary exists but failed its probe with
	// an error exit or unreadable contents.
	StatusCorrupted ComponentStatus = "corrupted"

	// StatusUnknown means the probe timed out or produced output the
	// prober could not parse.
	StatusUnknown ComponentStatus = "unknown"
)

// Component is the inspected state of one executable. It is immutable once
// produced; every run re-inspects from scratch.
type Component struct {
	// Name is the component identifier, unique per installation root.
	Name string `json:"name" validate:"required"`

	// Version is the version string the binary declared, or that the
	// prober extracted from its output.
	Version string `json:"version"`

	// BuildNumber is the build counter, when the binary reports one.
	BuildNumber int `json:"build_number,omitempty"`

	// Hash is the SHA-256 of the file contents, lowercase hex.
	Hash string `json:"hash,omitempty"`

	// Path is the absolute filesystem path of the binary.
	Path string `json:"path" validate:"required"`

	// SizeBytes is the file size at inspection time.
	SizeBytes int64 `json:"size_bytes"`

	// Capabilities are the capability tags the binary advertises.
	Capabilities []string `json:"capabilities,omitempty"`

	// Status is the health classification from this inspection.
	Status ComponentStatus `json:"status"`

	// Managed is true when this reconciler owns replacement of the
	// binary. External components are inspected only.
	Managed bool `json:"managed"`

	// Source names where an external component comes from, for operator
	// reporting. Empty for managed components.
	Source string `json:"source,omitempty"`

	// UpdateMethod names the mechanism that updates an external
	// component, since this reconciler never will.
	UpdateMethod string `json:"update_method,omitempty"`

	// Error carries the probe failure detail for non-healthy components.
	Error string `json:"error,omitempty"`
}

// StateMap is the result of one inspection pass.
type StateMap struct {
	// Components maps component name to its inspected state.
	Components map[string]Component `json:"components"`

	// Healthy is true when every managed component is StatusHealthy.
	Healthy bool `json:"healthy"`

	// InspectedAt is when the inspection pass completed.
	InspectedAt time.Time `json:"inspected_at"`

	// Summary counts components per status.
	Summary StateSummary `json:"summary"`
}

// StateSummary holds per-status totals for a StateMap.
type StateSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Missing   int `json:"missing"`
	Corrupted int `json:"corrupted"`
	Unknown   int `json:"unknown"`
}

// Get returns the component by name.
func (s *StateMap) Get(name string) (Component, bool) {
	c, ok := s.Components[name]
	return c, ok
}

// ManifestComponent is the desired state of one component as declared by a
// manifest.
type ManifestComponent struct {
	// Version is the desired version string.
	Version string `json:"version" validate:"required"`

	// BuildNumber is the desired build counter, if declared.
	BuildNumber int `json:"build_number,omitempty"`

	// Hash is the desired SHA-256 of the binary, lowercase hex.
	Hash string `json:"hash" validate:"required,len=64,hexadecimal"`

	// Path is the install path of the binary, relative to the
	// installation root or absolute.
	Path string `json:"path" validate:"required"`

	// SizeBytes is the expected file size, zero when unknown.
	SizeBytes int64 `json:"size_bytes,omitempty"`

	// Source locates the staged binary for this version. Empty for
	// components that are already in the desired state.
	Source string `json:"source,omitempty"`
}

// ManifestMetadata records provenance for a manifest.
type ManifestMetadata struct {
	GeneratedBy string `json:"generated_by"`
	Platform    string `json:"platform"`
	Hostname    string `json:"hostname"`
}

// Manifest declares the desired version and hash of every managed
// component. The signature is opaque here: a trusted caller verifies it
// before this engine ever sees the file.
type Manifest struct {
	// Version is the manifest format or release version string.
	Version string `json:"version" validate:"required"`

	// Timestamp is the unix second the manifest was generated.
	Timestamp int64 `json:"timestamp" validate:"required,gt=0"`

	// Signature is carried verbatim and never parsed or verified.
	Signature string `json:"signature,omitempty"`

	// Components maps component name to its desired state.
	Components map[string]ManifestComponent `json:"components" validate:"required,min=1,dive"`

	// Metadata records who generated the manifest and where.
	Metadata ManifestMetadata `json:"metadata"`
}

// ChangeKind tags one entry of a delta.
type ChangeKind string

const (
	// ChangeNone means current and desired hashes already match.
	ChangeNone ChangeKind = "none"

	// ChangeAdd means the component is absent from current state.
	ChangeAdd ChangeKind = "add"

	// ChangeUpdate means the component exists with a different hash.
	ChangeUpdate ChangeKind = "update"

	// ChangeRemove means the component is on disk but not in the
	// manifest. Emitted only under exhaustive sync.
	ChangeRemove ChangeKind = "remove"
)

// Change is one planned mutation for a single component.
type Change struct {
	// Kind tags the variant.
	Kind ChangeKind `json:"kind"`

	// Component is the component name.
	Component string `json:"component"`

	// Path is the absolute target path of the binary.
	Path string `json:"path"`

	// FromHash is the current on-disk hash, empty for adds.
	FromHash string `json:"from_hash,omitempty"`

	// ToHash is the manifest's declared hash, empty for removes.
	ToHash string `json:"to_hash,omitempty"`

	// StagingSource locates the staged binary to apply, for adds and
	// updates.
	StagingSource string `json:"staging_source,omitempty"`
}

// Delta is an ordered list of Changes, sorted by component name so that
// identical inputs always produce an identically ordered list.
type Delta struct {
	// Changes holds one entry per component the manifest names, plus
	// removes under exhaustive sync.
	Changes []Change `json:"changes"`

	// ComputedAt is when the delta was computed.
	ComputedAt time.Time `json:"computed_at"`
}

// Empty reports whether no Change requires a mutation.
func (d *Delta) Empty() bool {
	for _, c := range d.Changes {
		if c.Kind != ChangeNone {
			return false
		}
	}
	return true
}

// Mutations returns the subset of Changes that touch the filesystem, in
// delta order.
func (d *Delta) Mutations() []Change {
	var out []Change
	for _, c := range d.Changes {
		if c.Kind != ChangeNone {
			out = append(out, c)
		}
	}
	return out
}

// SnapshotComponent records one backed-up binary inside a snapshot.
type SnapshotComponent struct {
	// Name is the component name.
	Name string `json:"name"`

	// OriginalPath is where the binary lived before the change.
	OriginalPath string `json:"original_path"`

	// BackupPath is the copy inside the snapshot's binaries directory,
	// relative to the snapshot root.
	BackupPath string `json:"backup_path"`

	// Hash is the SHA-256 of the backed-up bytes.
	Hash string `json:"hash"`

	// SizeBytes is the size of the backup.
	SizeBytes int64 `json:"size_bytes"`

	// WasPresent is false when the component did not exist before the
	// change (an add); rollback then deletes the applied file instead of
	// restoring bytes.
	WasPresent bool `json:"was_present"`
}

// Snapshot is an immutable backup of every component a run was about to
// change. Only maintenance deletes snapshots, oldest first, and never the
// most recent one.
type Snapshot struct {
	// ID is timestamp-derived and unique per installation root.
	ID string `json:"id"`

	// Reason records why the snapshot was taken.
	Reason string `json:"reason"`

	// RunID ties the snapshot to the reconciliation run that created it.
	RunID string `json:"run_id,omitempty"`

	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"created_at"`

	// Components lists the backed-up binaries.
	Components []SnapshotComponent `json:"components"`

	// SizeBytes is the total size of the backed-up binaries.
	SizeBytes int64 `json:"size_bytes"`

	// Dir is the snapshot directory on disk. Not serialized; rebuilt
	// from the snapshots root on load.
	Dir string `json:"-"`
}

// RunStatus is the terminal status of a reconciliation run.
type RunStatus string

const (
	RunStatusCommitted      RunStatus = "committed"
	RunStatusNoop           RunStatus = "noop"
	RunStatusRolledBack     RunStatus = "rolled_back"
	RunStatusRollbackFailed RunStatus = "rollback_failed"
	RunStatusFailed         RunStatus = "failed"
)

// ReconcileResult is the outcome of one Reconcile call.
type ReconcileResult struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Status is the terminal run status.
	Status RunStatus `json:"status"`

	// Changes are the mutations that were applied, or attempted when the
	// run rolled back.
	Changes []Change `json:"changes"`

	// SnapshotID is the snapshot covering this run, empty for no-ops.
	SnapshotID string `json:"snapshot_id,omitempty"`

	// Duration is the wall time of the run.
	Duration time.Duration `json:"-"`

	// DurationSeconds mirrors Duration for serialized output.
	DurationSeconds float64 `json:"duration_seconds"`

	// DryRun is true when no mutation was performed.
	DryRun bool `json:"dry_run,omitempty"`

	// Error carries the failure detail for non-committed runs.
	Error string `json:"error,omitempty"`
}

// RollbackResult is the outcome of one Rollback call.
type RollbackResult struct {
	// SnapshotID is the snapshot that was restored.
	SnapshotID string `json:"snapshot_id"`

	// Status is "restored" or "failed".
	Status string `json:"status"`

	// RestoredComponents lists the component names restored.
	RestoredComponents []string `json:"restored_components"`

	// Duration is the wall time of the restore.
	Duration time.Duration `json:"-"`
}

// CleanupResult is the outcome of one maintenance pass.
type CleanupResult struct {
	// Cleaned counts deleted snapshots plus deleted staging entries.
	Cleaned int `json:"cleaned"`

	// FreedBytes is the total size reclaimed.
	FreedBytes int64 `json:"freed_bytes"`

	// SnapshotsKept lists the snapshot IDs that survived the pass.
	SnapshotsKept []string `json:"snapshots_kept"`

	// StagingRemoved lists the staging entries deleted.
	StagingRemoved []string `json:"staging_removed,omitempty"`
}
