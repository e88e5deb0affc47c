package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRollbackRestoresBatch(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)
	exec := NewRollbackExecutor(mgr, nil, nil, nil)

	alphaOrig := []byte("alpha v1")
	writeFileT(t, filepath.Join(binDir, "alpha"), alphaOrig)

	changes := []Change{
		{Kind: ChangeUpdate, Component: "alpha", Path: filepath.Join(binDir, "alpha")},
		{Kind: ChangeAdd, Component: "beta", Path: filepath.Join(binDir, "beta")},
	}
	snap, err := mgr.Create("pre-reconcile", "run-1", changes, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the apply: alpha replaced, beta added.
	writeFileT(t, filepath.Join(binDir, "alpha"), []byte("alpha v2"))
	writeFileT(t, filepath.Join(binDir, "beta"), []byte("beta v1"))

	result, err := exec.Rollback(snap, "manual")
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if result.Status != "restored" {
		t.Errorf("expected restored, got %s", result.Status)
	}
	if len(result.RestoredComponents) != 2 {
		t.Errorf("expected both components restored, got %v", result.RestoredComponents)
	}

	got, err := os.ReadFile(filepath.Join(binDir, "alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(alphaOrig) {
		t.Errorf("alpha not restored: %q", got)
	}
	if _, err := os.Stat(filepath.Join(binDir, "beta")); !os.IsNotExist(err) {
		t.Error("added beta must be removed by rollback")
	}
}

func TestRollbackLatest(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)
	exec := NewRollbackExecutor(mgr, nil, nil, nil)

	writeFileT(t, filepath.Join(binDir, "alpha"), []byte("original"))
	if _, err := mgr.Create("pre-reconcile", "run-1", []Change{
		{Kind: ChangeUpdate, Component: "alpha", Path: filepath.Join(binDir, "alpha")},
	}, nil); err != nil {
		t.Fatal(err)
	}
	writeFileT(t, filepath.Join(binDir, "alpha"), []byte("mutated"))

	result, err := exec.RollbackLatest("manual")
	if err != nil {
		t.Fatalf("rollback latest failed: %v", err)
	}
	if result.Status != "restored" {
		t.Errorf("expected restored, got %s", result.Status)
	}
	got, _ := os.ReadFile(filepath.Join(binDir, "alpha"))
	if string(got) != "original" {
		t.Errorf("alpha not restored: %q", got)
	}
}

func TestRollbackLatestWithoutSnapshots(t *testing.T) {
	mgr := NewSnapshotManager(filepath.Join(t.TempDir(), "snapshots"), nil, nil)
	exec := NewRollbackExecutor(mgr, nil, nil, nil)
	_, err := exec.RollbackLatest("manual")
	if !HasCode(err, ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

// A corrupted backup must surface as a fatal rollback failure with the
// snapshot location in the error details, and must not be retried.
func TestRollbackCorruptBackupIsFatal(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)
	exec := NewRollbackExecutor(mgr, nil, nil, nil)

	writeFileT(t, filepath.Join(binDir, "alpha"), []byte("original"))
	snap, err := mgr.Create("pre-reconcile", "run-1", []Change{
		{Kind: ChangeUpdate, Component: "alpha", Path: filepath.Join(binDir, "alpha")},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the backup after the fact.
	backup := filepath.Join(snap.Dir, snap.Components[0].BackupPath)
	if err := os.WriteFile(backup, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := exec.Rollback(snap, "manual")
	if err == nil {
		t.Fatal("expected rollback to fail")
	}
	if !HasCode(err, ErrCodeRollbackFailed) {
		t.Errorf("expected ROLLBACK_FAILED, got %v", err)
	}
	if result == nil || result.Status != "failed" {
		t.Errorf("expected failed result, got %+v", result)
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatal("expected an engine error")
	}
	if engineErr.Details["snapshot_dir"] != snap.Dir {
		t.Errorf("error must point at the snapshot directory, got %v", engineErr.Details)
	}
}

// Manual rollbacks appear in run history alongside reconciliations.
func TestRollbackRecordsManualRun(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)
	store := newRecordingStore()
	exec := NewRollbackExecutor(mgr, nil, nil, nil).WithStore(store)

	writeFileT(t, filepath.Join(binDir, "alpha"), []byte("original"))
	snap, err := mgr.Create("pre-reconcile", "run-1", []Change{
		{Kind: ChangeUpdate, Component: "alpha", Path: filepath.Join(binDir, "alpha")},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	writeFileT(t, filepath.Join(binDir, "alpha"), []byte("mutated"))

	if _, err := exec.RollbackByID(snap.ID, "manual"); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	if len(store.started) != 1 {
		t.Fatalf("expected one recorded run, got %v", store.started)
	}
	if store.finished[store.started[0]] != RunStatusRolledBack {
		t.Errorf("expected rolled_back run, got %s", store.finished[store.started[0]])
	}
}

func TestRollbackFailedRunRecordsNotFound(t *testing.T) {
	mgr := NewSnapshotManager(filepath.Join(t.TempDir(), "snapshots"), nil, nil)
	store := newRecordingStore()
	exec := NewRollbackExecutor(mgr, nil, nil, nil).WithStore(store)

	if _, err := exec.RollbackLatest("manual"); !HasCode(err, ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if len(store.started) != 1 {
		t.Fatalf("expected one recorded run, got %v", store.started)
	}
	if store.finished[store.started[0]] != RunStatusFailed {
		t.Errorf("expected failed run, got %s", store.finished[store.started[0]])
	}
}

func TestRollbackHoldsLock(t *testing.T) {
	root := t.TempDir()
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)
	lock := NewLock(root)
	exec := NewRollbackExecutor(mgr, nil, nil, nil).WithLock(lock)

	// Hold the lock from "another" invocation.
	other := NewLock(root)
	if err := other.Acquire("reconcile"); err != nil {
		t.Fatal(err)
	}
	defer other.Release()

	_, err := exec.RollbackLatest("manual")
	if !HasCode(err, ErrCodeBusy) {
		t.Errorf("manual rollback must respect the lock, got %v", err)
	}
}
