// Package stores persists run history, the snapshot index and the staging
// consumption ledger in SQLite.
package stores

import (
	"time"
)

// Run is one reconciliation run record.
type Run struct {
	// ID is the run UUID.
	ID string `json:"id"`

	// ManifestPath is the manifest the run targeted.
	ManifestPath string `json:"manifest_path"`

	// Status is the terminal run status, "running" while in flight.
	Status string `json:"status"`

	// SnapshotID is the snapshot the run created, if any.
	SnapshotID string `json:"snapshot_id,omitempty"`

	// Changes counts the mutations the run applied or attempted.
	Changes int `json:"changes"`

	// Error is the failure detail for non-committed runs.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SnapshotRecord indexes one on-disk snapshot for fast history queries.
// The snapshot directory remains the source of truth.
type SnapshotRecord struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	Reason     string    `json:"reason"`
	Components int       `json:"components"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// StagingEntry is one staged binary a commit consumed. Maintenance purges
// the file and then marks the entry forgotten.
type StagingEntry struct {
	ID         int64      `json:"id"`
	RunID      string     `json:"run_id"`
	Source     string     `json:"source"`
	ConsumedAt time.Time  `json:"consumed_at"`
	PurgedAt   *time.Time `json:"purged_at,omitempty"`
}
