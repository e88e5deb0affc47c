package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/verge-sh/verge/pkg/telemetry"
)

// RetentionPolicy bounds how many snapshots are kept and for how long.
type RetentionPolicy struct {
	// MaxCount is the number of snapshots to keep. Zero means unbounded.
	MaxCount int

	// MaxAgeDays deletes snapshots older than this many days. Zero means
	// unbounded.
	MaxAgeDays int
}

// StagingLedger reports which staging entries prior commits consumed. The
// SQLite store implements this.
type StagingLedger interface {
	ConsumedStaging(ctx context.Context) ([]string, error)
	ForgetStaging(ctx context.Context, sources []string) error
}

// MaintenanceStore is what cleanup needs from the run store: the staging
// ledger, the snapshot index, and run history.
type MaintenanceStore interface {
	StagingLedger
	DeleteSnapshotRecord(ctx context.Context, id string) error
	RecordRunStart(ctx context.Context, runID, manifestPath string, startedAt time.Time) error
	RecordRunFinish(ctx context.Context, runID string, status RunStatus, snapshotID, errMsg string, changed int, finishedAt time.Time) error
}

// Maintainer prunes old snapshots and consumed staging entries.
type Maintainer struct {
	snapshots  *SnapshotManager
	stagingDir string
	store      MaintenanceStore
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	events     *telemetry.EventPublisher
}

// NewMaintainer wires a maintainer.
func NewMaintainer(snapshots *SnapshotManager, stagingDir string, store MaintenanceStore, logger *telemetry.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher) *Maintainer {
	return &Maintainer{
		snapshots:  snapshots,
		stagingDir: stagingDir,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		events:     events,
	}
}

// Cleanup deletes snapshots beyond the retention policy, oldest first, and
// staging entries already consumed by a commit. The floor is absolute: the
// single most recent snapshot is never deleted regardless of age or count.
func (m *Maintainer) Cleanup(ctx context.Context, policy RetentionPolicy) (*CleanupResult, error) {
	result := &CleanupResult{}
	runID := m.recordStart(ctx)

	snaps, err := m.snapshots.List()
	if err != nil {
		m.recordFinish(ctx, runID, RunStatusFailed, err.Error(), 0)
		return nil, err
	}

	// List is newest first; decide per snapshot, skipping index 0.
	cutoff := time.Time{}
	if policy.MaxAgeDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -policy.MaxAgeDays)
	}

	pruned := 0
	for i := len(snaps) - 1; i >= 1; i-- {
		snap := snaps[i]
		tooMany := policy.MaxCount > 0 && len(snaps)-pruned > policy.MaxCount
		tooOld := !cutoff.IsZero() && snap.CreatedAt.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		freed, err := m.snapshots.Delete(snap.ID)
		if err != nil {
			if m.logger != nil {
				m.logger.WithError(err).Warnf("cannot delete snapshot %s", snap.ID)
			}
			continue
		}
		pruned++
		result.Cleaned++
		result.FreedBytes += freed
		if m.store != nil {
			// Keep the index in step with the directory tree.
			if err := m.store.DeleteSnapshotRecord(ctx, snap.ID); err != nil && m.logger != nil {
				m.logger.WithError(err).Warnf("cannot drop snapshot record %s", snap.ID)
			}
		}
		if m.logger != nil {
			m.logger.WithSnapshotID(snap.ID).Debug("snapshot pruned")
		}
	}

	for _, snap := range snaps {
		if _, err := os.Stat(snap.Dir); err == nil {
			result.SnapshotsKept = append(result.SnapshotsKept, snap.ID)
		}
	}

	removed, freed := m.purgeStaging(ctx)
	result.Cleaned += len(removed)
	result.FreedBytes += freed
	result.StagingRemoved = removed

	if m.metrics != nil && pruned > 0 {
		m.metrics.RecordSnapshotsPruned(pruned)
	}
	if m.events != nil {
		m.events.Publish(telemetry.Event{
			Type:    telemetry.EventTypeCleanupCompleted,
			Message: fmt.Sprintf("Cleanup removed %d entries, freed %d bytes", result.Cleaned, result.FreedBytes),
			Level:   telemetry.EventLevelInfo,
			Data: map[string]interface{}{
				"snapshots_pruned": pruned,
				"staging_removed":  len(removed),
				"freed_bytes":      result.FreedBytes,
			},
		})
	}

	status := RunStatusCommitted
	if result.Cleaned == 0 {
		status = RunStatusNoop
	}
	m.recordFinish(ctx, runID, status, "", result.Cleaned)
	return result, nil
}

// recordStart opens a run-history entry for a cleanup pass.
func (m *Maintainer) recordStart(ctx context.Context) string {
	if m.store == nil {
		return ""
	}
	runID := uuid.New().String()
	if err := m.store.RecordRunStart(ctx, runID, "", time.Now().UTC()); err != nil && m.logger != nil {
		m.logger.WithError(err).Warn("cannot record cleanup run start")
	}
	return runID
}

func (m *Maintainer) recordFinish(ctx context.Context, runID string, status RunStatus, errMsg string, changed int) {
	if m.store == nil || runID == "" {
		return
	}
	if err := m.store.RecordRunFinish(ctx, runID, status, "", errMsg, changed, time.Now().UTC()); err != nil && m.logger != nil {
		m.logger.WithError(err).Warn("cannot record cleanup run finish")
	}
}

// purgeStaging deletes staging entries the ledger marks as consumed.
// Entries never consumed are left for the downloader to manage.
func (m *Maintainer) purgeStaging(ctx context.Context) ([]string, int64) {
	if m.store == nil || m.stagingDir == "" {
		return nil, 0
	}
	consumed, err := m.store.ConsumedStaging(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("cannot read staging ledger")
		}
		return nil, 0
	}

	var removed []string
	var freed int64
	for _, src := range consumed {
		path := src
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.stagingDir, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			// Already gone: still drop it from the ledger below.
			removed = append(removed, src)
			continue
		}
		if err := os.Remove(path); err != nil {
			if m.logger != nil {
				m.logger.WithError(err).Warnf("cannot remove staging entry %s", src)
			}
			continue
		}
		freed += info.Size()
		removed = append(removed, src)
	}

	if len(removed) > 0 {
		if err := m.store.ForgetStaging(ctx, removed); err != nil && m.logger != nil {
			m.logger.WithError(err).Warn("cannot update staging ledger")
		}
	}
	return removed, freed
}
