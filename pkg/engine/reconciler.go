package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verge-sh/verge/pkg/telemetry"
)

// DeltaAdmitter gates a computed delta before any snapshot or mutation.
// The policy engine implements this; a nil admitter admits everything.
type DeltaAdmitter interface {
	Admit(ctx context.Context, manifest *Manifest, delta *Delta) error
}

// RunRecorder persists run history. The SQLite store implements this; a
// nil recorder disables history.
type RunRecorder interface {
	RecordRunStart(ctx context.Context, runID, manifestPath string, startedAt time.Time) error
	RecordRunFinish(ctx context.Context, runID string, status RunStatus, snapshotID, errMsg string, changed int, finishedAt time.Time) error
	RecordSnapshot(ctx context.Context, snap *Snapshot) error
	MarkStagingConsumed(ctx context.Context, runID string, sources []string) error
}

// ReconcilerOptions tunes the apply loop.
type ReconcilerOptions struct {
	// StagingDir is where staged binaries live. A change whose staging
	// source is relative resolves against this directory.
	StagingDir string

	// SyncMode selects additive or exhaustive delta semantics.
	SyncMode SyncMode

	// Watchdog bounds the whole reconcile call. Exceeding it is treated
	// identically to a validation failure and triggers rollback.
	Watchdog time.Duration

	// ApplyRetries is how many extra attempts a transient OS failure
	// gets during a swap. Structural and validation errors are never
	// retried.
	ApplyRetries int

	// RetryDelay is the pause between transient retries.
	RetryDelay time.Duration
}

func (o ReconcilerOptions) withDefaults() ReconcilerOptions {
	if o.SyncMode == "" {
		o.SyncMode = SyncAdditive
	}
	if o.Watchdog <= 0 {
		o.Watchdog = 10 * time.Minute
	}
	if o.ApplyRetries < 0 {
		o.ApplyRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	return o
}

// Reconciler converges on-disk component state to a manifest.
type Reconciler struct {
	inspector *Inspector
	snapshots *SnapshotManager
	rollback  *RollbackExecutor
	lock      *Lock
	tracker   *RunTracker
	opts      ReconcilerOptions

	admitter DeltaAdmitter
	store    RunRecorder

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	// pathMu serializes swaps per target path. Well-formed manifests
	// never request two changes to one path, but concurrent swaps on the
	// same path are serialized anyway.
	pathMu   sync.Mutex
	pathLock map[string]*sync.Mutex
}

// ReconcilerDeps bundles the collaborators of a Reconciler.
type ReconcilerDeps struct {
	Inspector *Inspector
	Snapshots *SnapshotManager
	Rollback  *RollbackExecutor
	Lock      *Lock
	Admitter  DeltaAdmitter
	Store     RunRecorder
	Logger    *telemetry.Logger
	Metrics   *telemetry.Metrics
	Tracer    *telemetry.Tracer
	Events    *telemetry.EventPublisher
}

// NewReconciler wires a reconciler from its collaborators.
func NewReconciler(deps ReconcilerDeps, opts ReconcilerOptions) *Reconciler {
	return &Reconciler{
		inspector: deps.Inspector,
		snapshots: deps.Snapshots,
		rollback:  deps.Rollback,
		lock:      deps.Lock,
		tracker:   NewRunTracker(),
		opts:      opts.withDefaults(),
		admitter:  deps.Admitter,
		store:     deps.Store,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		events:    deps.Events,
		pathLock:  make(map[string]*sync.Mutex),
	}
}

// Reconcile loads the manifest at manifestPath and converges the
// installation to it. dryRun computes and reports the delta without
// snapshotting or mutating anything.
func (r *Reconciler) Reconcile(ctx context.Context, manifestPath string, dryRun bool) (*ReconcileResult, error) {
	if !r.tracker.CanStart() {
		return nil, busyError(nil).WithDetail("run_state", string(r.tracker.State()))
	}

	runID := uuid.New().String()
	start := time.Now()
	log := r.logger
	if log != nil {
		log = log.WithRunID(runID)
	}

	if !dryRun {
		if err := r.lock.Acquire("reconcile"); err != nil {
			r.recordError(err)
			return nil, err
		}
		defer r.lock.Release()
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Watchdog)
	defer cancel()
	ctx, span := r.startSpan(ctx, runID, manifestPath)
	defer span()

	if r.metrics != nil {
		r.metrics.RecordReconcileStarted()
	}
	if r.events != nil && !dryRun {
		r.events.PublishReconcileStarted(runID, manifestPath)
	}

	result, err := r.run(ctx, runID, manifestPath, dryRun, start, log)
	if err != nil {
		r.recordError(err)
		if r.metrics != nil {
			r.metrics.RecordReconcileCompleted("failed", time.Since(start))
		}
		if r.events != nil && !dryRun && (result == nil || result.Status == RunStatusFailed) {
			r.events.PublishReconcileFailed(runID, err.Error())
		}
		return result, err
	}
	if r.metrics != nil {
		r.metrics.RecordReconcileCompleted(string(result.Status), time.Since(start))
	}
	return result, nil
}

// run executes the reconciliation pipeline under an acquired lock.
func (r *Reconciler) run(ctx context.Context, runID, manifestPath string, dryRun bool, start time.Time, log *telemetry.Logger) (*ReconcileResult, error) {
	finish := func(res *ReconcileResult, err error) (*ReconcileResult, error) {
		if res != nil {
			res.Duration = time.Since(start)
			res.DurationSeconds = res.Duration.Seconds()
		}
		if r.store != nil && !dryRun && res != nil {
			errMsg := ""
			if err != nil {
				errMsg = err.Error()
			}
			// Background context: the watchdog may already have expired
			// and run history must still be written.
			r.store.RecordRunFinish(context.Background(), runID, res.Status, res.SnapshotID, errMsg, len(res.Changes), time.Now().UTC())
		}
		return res, err
	}

	if r.store != nil && !dryRun {
		if err := r.store.RecordRunStart(ctx, runID, manifestPath, start.UTC()); err != nil && log != nil {
			log.WithError(err).Warn("cannot record run start")
		}
	}

	// 1. Load and structurally validate the manifest.
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return finish(&ReconcileResult{RunID: runID, Status: RunStatusFailed, Error: err.Error()}, err)
	}

	// 2. Inspect current state.
	r.tracker.Transition(StateInspecting)
	inspectCtx, endInspect := r.phaseSpan(ctx, "inspect")
	state, err := r.inspector.Inspect(inspectCtx)
	endInspect(err)
	if err != nil {
		r.resetToIdle()
		return finish(&ReconcileResult{RunID: runID, Status: RunStatusFailed, Error: err.Error()}, err)
	}

	// 3. Compute the delta; empty means success with zero changes.
	delta := Diff(state, manifest, r.opts.SyncMode)
	r.tracker.Transition(StateDeltaComputed)
	if delta.Empty() {
		r.tracker.Transition(StateCommitted)
		if log != nil {
			log.Info("already converged, nothing to do")
		}
		if r.events != nil && !dryRun {
			r.events.PublishReconcileNoop(runID, time.Since(start))
		}
		return finish(&ReconcileResult{RunID: runID, Status: RunStatusNoop, DryRun: dryRun}, nil)
	}

	mutations := delta.Mutations()

	// Policy gate: a denied delta aborts before snapshot or mutation.
	if r.admitter != nil {
		if err := r.admitter.Admit(ctx, manifest, delta); err != nil {
			r.resetToIdle()
			return finish(&ReconcileResult{RunID: runID, Status: RunStatusFailed, Changes: mutations, Error: err.Error()}, err)
		}
	}

	if dryRun {
		r.resetToIdle()
		if log != nil {
			log.Infof("dry run: %d changes pending", len(mutations))
		}
		return finish(&ReconcileResult{RunID: runID, Status: RunStatusNoop, Changes: mutations, DryRun: true}, nil)
	}

	// 4. Snapshot every component about to change; abort untouched on
	// failure.
	preManifest := GenerateManifest(state)
	_, endSnapshot := r.phaseSpan(ctx, "snapshot")
	snap, err := r.snapshots.Create("pre-reconcile", runID, mutations, preManifest)
	endSnapshot(err)
	if err != nil {
		r.resetToIdle()
		return finish(&ReconcileResult{RunID: runID, Status: RunStatusFailed, Changes: mutations, Error: err.Error()}, err)
	}
	r.tracker.Transition(StateSnapshotCreated)
	if r.store != nil {
		r.store.RecordSnapshot(ctx, snap)
	}
	if r.events != nil {
		names := make([]string, 0, len(mutations))
		for _, c := range mutations {
			names = append(names, c.Component)
		}
		r.events.PublishSnapshotCreated(runID, snap.ID, names)
	}

	// 5. Apply sequentially with stage-then-swap.
	r.tracker.Transition(StateApplying)
	applyCtx, endApply := r.phaseSpan(ctx, "apply")
	applyErr := r.applyAll(applyCtx, mutations, log)
	endApply(applyErr)
	if applyErr != nil {
		return finish(r.rollbackRun(runID, snap, mutations, applyErr, log))
	}

	// 6-7. Re-inspect the changed components and compare hashes.
	r.tracker.Transition(StateValidating)
	valCtx, endValidate := r.phaseSpan(ctx, "validate")
	valErr := r.validate(valCtx, manifest, mutations)
	endValidate(valErr)
	if valErr != nil {
		return finish(r.rollbackRun(runID, snap, mutations, valErr, log))
	}

	// 8. Commit.
	r.tracker.Transition(StateCommitted)
	if r.store != nil {
		var consumed []string
		for _, c := range mutations {
			if c.Kind == ChangeAdd || c.Kind == ChangeUpdate {
				consumed = append(consumed, r.resolveSource(c))
			}
		}
		r.store.MarkStagingConsumed(ctx, runID, consumed)
	}
	for _, c := range mutations {
		if r.metrics != nil {
			r.metrics.RecordChangeApplied(string(c.Kind))
		}
	}
	if r.events != nil {
		r.events.PublishReconcileCommitted(runID, snap.ID, len(mutations), time.Since(start))
	}
	if log != nil {
		log.WithSnapshotID(snap.ID).Infof("committed %d changes", len(mutations))
	}
	return finish(&ReconcileResult{
		RunID:      runID,
		Status:     RunStatusCommitted,
		Changes:    mutations,
		SnapshotID: snap.ID,
	}, nil)
}

// applyAll applies each mutation in delta order. The watchdog deadline is
// checked before each component so an expired run stops mutating promptly.
func (r *Reconciler) applyAll(ctx context.Context, mutations []Change, log *telemetry.Logger) error {
	for _, change := range mutations {
		if ctx.Err() != nil {
			return NewTransientError("watchdog timeout during apply", ctx.Err()).
				WithCode(ErrCodeTimeout).WithOperation("apply")
		}
		if err := r.applyOne(change, log); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyOne(change Change, log *telemetry.Logger) error {
	mu := r.lockPath(change.Path)
	mu.Lock()
	defer mu.Unlock()

	switch change.Kind {
	case ChangeRemove:
		if err := os.Remove(change.Path); err != nil && !os.IsNotExist(err) {
			return NewPermanentError("cannot remove component", err).
				WithCode(ErrCodeApplyFailed).WithComponent(change.Component)
		}
		return nil

	case ChangeAdd, ChangeUpdate:
		src := r.resolveSource(change)
		if _, err := os.Stat(src); err != nil {
			return NewPermanentError("staged binary missing", err).
				WithCode(ErrCodeApplyFailed).WithComponent(change.Component).
				WithDetail("staging_source", src)
		}

		var lastErr error
		for attempt := 0; attempt <= r.opts.ApplyRetries; attempt++ {
			if attempt > 0 {
				if log != nil {
					log.WithComponentName(change.Component).Warnf("retrying apply, attempt %d", attempt+1)
				}
				time.Sleep(r.opts.RetryDelay)
			}
			lastErr = swapIn(src, change.Path, change.ToHash)
			if lastErr == nil {
				return nil
			}
			if !retryableOSError(lastErr) {
				break
			}
		}
		code := ErrCodeApplyFailed
		if errors.Is(lastErr, errHashMismatch) {
			// The staged bytes do not match the manifest: a content
			// problem, not an installation problem.
			code = ErrCodeValidationFailed
		}
		return NewPermanentError("cannot apply component", lastErr).
			WithCode(code).WithComponent(change.Component)
	}
	return nil
}

// validate re-hashes every changed component and compares against the
// manifest. A watchdog expiry here counts as a validation failure.
func (r *Reconciler) validate(ctx context.Context, manifest *Manifest, mutations []Change) error {
	if ctx.Err() != nil {
		return NewTransientError("watchdog timeout during validation", ctx.Err()).
			WithCode(ErrCodeTimeout).WithOperation("validate")
	}
	for _, change := range mutations {
		if change.Kind == ChangeRemove {
			if _, err := os.Stat(change.Path); err == nil {
				return NewPermanentError("removed component still present", nil).
					WithCode(ErrCodeValidationFailed).WithComponent(change.Component)
			}
			continue
		}
		desired, ok := manifest.Components[change.Component]
		if !ok {
			continue
		}
		got, err := HashFile(change.Path)
		if err != nil {
			return NewPermanentError("cannot hash applied component", err).
				WithCode(ErrCodeValidationFailed).WithComponent(change.Component)
		}
		if got != desired.Hash {
			return NewPermanentError("post-apply hash mismatch", nil).
				WithCode(ErrCodeValidationFailed).WithComponent(change.Component).
				WithDetail("expected", desired.Hash).
				WithDetail("actual", got)
		}
	}
	return nil
}

// rollbackRun rolls back the entire batch, not just the failing component,
// to preserve all-or-nothing semantics.
func (r *Reconciler) rollbackRun(runID string, snap *Snapshot, mutations []Change, cause error, log *telemetry.Logger) (*ReconcileResult, error) {
	r.tracker.Transition(StateRollingBack)
	if log != nil {
		log.WithSnapshotID(snap.ID).WithError(cause).Warn("run failed, rolling back batch")
	}
	if r.events != nil {
		r.events.PublishReconcileRolledBack(runID, snap.ID, cause.Error())
	}

	if _, rbErr := r.rollback.Rollback(snap, "auto"); rbErr != nil {
		r.tracker.Transition(StateRollbackFailed)
		return &ReconcileResult{
			RunID:      runID,
			Status:     RunStatusRollbackFailed,
			Changes:    mutations,
			SnapshotID: snap.ID,
			Error:      fmt.Sprintf("run failed (%v); rollback also failed: %v", cause, rbErr),
		}, rbErr
	}

	r.tracker.Transition(StateRolledBack)
	return &ReconcileResult{
		RunID:      runID,
		Status:     RunStatusRolledBack,
		Changes:    mutations,
		SnapshotID: snap.ID,
		Error:      cause.Error(),
	}, cause
}

// resolveSource turns a change's staging source into an absolute path.
// An empty source falls back to staging/<component>.
func (r *Reconciler) resolveSource(change Change) string {
	src := change.StagingSource
	if src == "" {
		src = change.Component
	}
	if filepath.IsAbs(src) {
		return src
	}
	return filepath.Join(r.opts.StagingDir, src)
}

func (r *Reconciler) lockPath(path string) *sync.Mutex {
	r.pathMu.Lock()
	defer r.pathMu.Unlock()
	mu, ok := r.pathLock[path]
	if !ok {
		mu = &sync.Mutex{}
		r.pathLock[path] = mu
	}
	return mu
}

// resetToIdle returns the tracker to a startable state after a failure
// before apply began.
func (r *Reconciler) resetToIdle() {
	r.tracker.Reset()
}

func (r *Reconciler) recordError(err error) {
	if r.metrics == nil {
		return
	}
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		r.metrics.RecordError(e.Code)
	}
}

func (r *Reconciler) startSpan(ctx context.Context, runID, manifestPath string) (context.Context, func()) {
	if r.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := r.tracer.StartReconcileSpan(ctx, runID, manifestPath)
	return ctx, func() { span.End() }
}

// phaseSpan opens a child span for one pipeline phase. The returned func
// records the phase outcome and ends the span.
func (r *Reconciler) phaseSpan(ctx context.Context, phase string) (context.Context, func(error)) {
	if r.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := r.tracer.StartPhaseSpan(ctx, phase)
	return ctx, func(err error) {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
}

// retryableOSError reports whether a swap failure looks like a transient
// OS condition (a briefly locked or busy file) rather than a structural
// problem. Hash mismatches are never retryable.
func retryableOSError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"resource temporarily unavailable", "text file busy", "device or resource busy", "interrupted system call"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
