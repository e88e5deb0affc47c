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

// RollbackExecutor restores snapshots. Used automatically when a run fails
// validation and on demand from the CLI.
type RollbackExecutor struct {
	snapshots *SnapshotManager
	lock      *Lock
	store     RunRecorder
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
}

// NewRollbackExecutor wires a rollback executor over a snapshot manager.
func NewRollbackExecutor(snapshots *SnapshotManager, logger *telemetry.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher) *RollbackExecutor {
	return &RollbackExecutor{
		snapshots: snapshots,
		logger:    logger,
		metrics:   metrics,
		events:    events,
	}
}

// WithLock attaches the installation's advisory lock. Manual rollbacks
// then exclude concurrent reconciliations; the reconciler's own automatic
// rollback runs under the lock it already holds.
func (r *RollbackExecutor) WithLock(lock *Lock) *RollbackExecutor {
	r.lock = lock
	return r
}

// WithStore attaches run history. Manual rollbacks then appear in the run
// store alongside reconciliations; automatic rollbacks are already covered
// by the run that triggered them.
func (r *RollbackExecutor) WithStore(store RunRecorder) *RollbackExecutor {
	r.store = store
	return r
}

// RollbackLatest restores the most recent snapshot. With zero snapshots
// present it fails with a not-found error and attempts no partial restore.
func (r *RollbackExecutor) RollbackLatest(trigger string) (*RollbackResult, error) {
	return r.execute(trigger, r.snapshots.Latest)
}

// RollbackByID restores the named snapshot.
func (r *RollbackExecutor) RollbackByID(id, trigger string) (*RollbackResult, error) {
	return r.execute(trigger, func() (*Snapshot, error) { return r.snapshots.Load(id) })
}

// execute runs one externally requested rollback under the lock and writes
// it to the run store.
func (r *RollbackExecutor) execute(trigger string, load func() (*Snapshot, error)) (*RollbackResult, error) {
	release, err := r.acquire(trigger)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := r.recordStart()
	snap, err := load()
	if err != nil {
		r.recordFinish(runID, RunStatusFailed, "", err, 0)
		return nil, err
	}

	result, err := r.Rollback(snap, trigger)
	status := RunStatusRolledBack
	if err != nil {
		status = RunStatusRollbackFailed
	}
	changed := 0
	if result != nil {
		changed = len(result.RestoredComponents)
	}
	r.recordFinish(runID, status, snap.ID, err, changed)
	return result, err
}

func (r *RollbackExecutor) recordStart() string {
	if r.store == nil {
		return ""
	}
	runID := uuid.New().String()
	if err := r.store.RecordRunStart(context.Background(), runID, "", time.Now().UTC()); err != nil && r.logger != nil {
		r.logger.WithError(err).Warn("cannot record rollback run start")
	}
	return runID
}

func (r *RollbackExecutor) recordFinish(runID string, status RunStatus, snapshotID string, cause error, changed int) {
	if r.store == nil || runID == "" {
		return
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := r.store.RecordRunFinish(context.Background(), runID, status, snapshotID, errMsg, changed, time.Now().UTC()); err != nil && r.logger != nil {
		r.logger.WithError(err).Warn("cannot record rollback run finish")
	}
}

// acquire takes the advisory lock for manual rollbacks. Automatic
// rollbacks already run under the reconciler's lock.
func (r *RollbackExecutor) acquire(trigger string) (func(), error) {
	if r.lock == nil || trigger == "auto" {
		return func() {}, nil
	}
	if err := r.lock.Acquire("rollback"); err != nil {
		return nil, err
	}
	return func() { r.lock.Release() }, nil
}

// Rollback restores every component in the snapshot with the same
// stage-then-swap technique apply uses, then re-validates each restored
// file against the snapshot's own checksums. The whole batch is restored:
// a mid-batch error does not stop the remaining components, because a
// partial restore is strictly worse than a complete attempt with reported
// failures. A rollback that fails re-validation is the one fatal,
// unrecoverable condition in the system and triggers no further automatic
// remediation.
func (r *RollbackExecutor) Rollback(snap *Snapshot, trigger string) (*RollbackResult, error) {
	start := time.Now()
	result := &RollbackResult{SnapshotID: snap.ID}

	if r.logger != nil {
		r.logger.WithSnapshotID(snap.ID).Infof("rolling back %d components", len(snap.Components))
	}
	if r.events != nil {
		r.events.PublishRollbackStarted(snap.ID, trigger)
	}

	sums, err := r.snapshots.Checksums(snap)
	if err != nil {
		r.observe(trigger, "failed", snap.ID, err.Error())
		return nil, r.fatal(snap, "cannot read snapshot checksums", err, nil)
	}

	var restoreErrs []string
	for _, sc := range snap.Components {
		if !sc.WasPresent {
			// The change was an add: undo it by deleting the file.
			if err := os.Remove(sc.OriginalPath); err != nil && !os.IsNotExist(err) {
				restoreErrs = append(restoreErrs, fmt.Sprintf("%s: cannot remove added file: %v", sc.Name, err))
				continue
			}
			result.RestoredComponents = append(result.RestoredComponents, sc.Name)
			continue
		}

		backup := filepath.Join(snap.Dir, sc.BackupPath)
		if err := swapIn(backup, sc.OriginalPath, sc.Hash); err != nil {
			restoreErrs = append(restoreErrs, fmt.Sprintf("%s: %v", sc.Name, err))
			continue
		}
		result.RestoredComponents = append(result.RestoredComponents, sc.Name)
	}

	// Final re-validation against the checksums file, independent of the
	// per-component swap verification above.
	var diag []map[string]interface{}
	for _, sc := range snap.Components {
		if !sc.WasPresent {
			continue
		}
		want, ok := sums[sc.BackupPath]
		if !ok {
			want = sc.Hash
		}
		got, err := HashFile(sc.OriginalPath)
		if err != nil {
			diag = append(diag, map[string]interface{}{
				"component": sc.Name,
				"path":      sc.OriginalPath,
				"expected":  want,
				"error":     err.Error(),
			})
			continue
		}
		if got != want {
			diag = append(diag, map[string]interface{}{
				"component": sc.Name,
				"path":      sc.OriginalPath,
				"expected":  want,
				"actual":    got,
			})
		}
	}

	if len(restoreErrs) > 0 || len(diag) > 0 {
		msg := "rollback failed re-validation"
		if len(restoreErrs) > 0 {
			msg = fmt.Sprintf("rollback restore errors: %v", restoreErrs)
		}
		r.observe(trigger, "failed", snap.ID, msg)
		result.Status = "failed"
		result.Duration = time.Since(start)
		return result, r.fatal(snap, msg, nil, diag)
	}

	result.Status = "restored"
	result.Duration = time.Since(start)
	r.observe(trigger, "restored", snap.ID, "")
	if r.events != nil {
		r.events.PublishRollbackCompleted(snap.ID, result.RestoredComponents)
	}
	if r.logger != nil {
		r.logger.WithSnapshotID(snap.ID).Info("rollback completed")
	}
	return result, nil
}

// fatal builds the maximum-diagnostics rollback error.
func (r *RollbackExecutor) fatal(snap *Snapshot, msg string, err error, diag []map[string]interface{}) error {
	e := NewPermanentError(msg, err).
		WithCode(ErrCodeRollbackFailed).
		WithOperation("rollback").
		WithDetail("snapshot_id", snap.ID).
		WithDetail("snapshot_dir", snap.Dir)
	if diag != nil {
		e = e.WithDetail("mismatches", diag)
	}
	if r.logger != nil {
		r.logger.WithSnapshotID(snap.ID).WithError(e).Error("FATAL: rollback failed, manual intervention required")
	}
	return e
}

func (r *RollbackExecutor) observe(trigger, status, snapshotID, reason string) {
	if r.metrics != nil {
		r.metrics.RecordRollback(trigger, status)
	}
	if r.events != nil && status == "failed" {
		r.events.PublishRollbackFailed(snapshotID, reason)
	}
}
