package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewLock(dir)

	if err := lock.Acquire("reconcile"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !lock.Held() {
		t.Error("lock should report held")
	}

	data, err := os.ReadFile(filepath.Join(dir, "reconcile.lock"))
	if err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("malformed lock record: %v", err)
	}
	if record.PID != os.Getpid() {
		t.Errorf("expected own pid %d, got %d", os.Getpid(), record.PID)
	}
	if record.Operation != "reconcile" {
		t.Errorf("expected operation reconcile, got %q", record.Operation)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if lock.Held() {
		t.Error("lock should not report held after release")
	}
	if _, err := os.Stat(filepath.Join(dir, "reconcile.lock")); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
}

func TestLockBusy(t *testing.T) {
	dir := t.TempDir()
	first := NewLock(dir)
	if err := first.Acquire("reconcile"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer first.Release()

	second := NewLock(dir)
	err := second.Acquire("reconcile")
	if err == nil {
		second.Release()
		t.Fatal("second acquire must fail while held")
	}
	if !HasCode(err, ErrCodeBusy) {
		t.Errorf("expected BUSY, got %v", err)
	}
	if !IsConflict(err) {
		t.Errorf("busy errors are conflicts, got %v", err)
	}
}

func TestLockBreaksStaleByAge(t *testing.T) {
	dir := t.TempDir()
	hostname, _ := os.Hostname()

	// A record from a live process on this host, but older than the stale
	// age. Age wins.
	record := LockRecord{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Operation: "reconcile",
		StartedAt: time.Now().UTC().Add(-3 * time.Hour),
	}
	writeLockRecord(t, dir, record)

	lock := NewLock(dir)
	if err := lock.Acquire("reconcile"); err != nil {
		t.Fatalf("stale lock was not broken: %v", err)
	}
	lock.Release()
}

func TestLockBreaksDeadHolder(t *testing.T) {
	dir := t.TempDir()
	hostname, _ := os.Hostname()

	// Same host, recent record, but a PID that cannot exist.
	record := LockRecord{
		PID:       1 << 30,
		Hostname:  hostname,
		Operation: "reconcile",
		StartedAt: time.Now().UTC(),
	}
	writeLockRecord(t, dir, record)

	lock := NewLock(dir)
	if err := lock.Acquire("reconcile"); err != nil {
		t.Fatalf("dead-holder lock was not broken: %v", err)
	}
	lock.Release()
}

func TestLockRespectsRemoteHolder(t *testing.T) {
	dir := t.TempDir()

	// A recent record from another host: liveness cannot be checked, so
	// the lock must be respected.
	record := LockRecord{
		PID:       1,
		Hostname:  "some-other-host",
		Operation: "reconcile",
		StartedAt: time.Now().UTC(),
	}
	writeLockRecord(t, dir, record)

	lock := NewLock(dir)
	err := lock.Acquire("reconcile")
	if !HasCode(err, ErrCodeBusy) {
		t.Fatalf("expected BUSY for recent remote holder, got %v", err)
	}
}

// An empty lock file is a holder mid-acquisition, not an abandoned lock:
// a second invocation must see busy, not steal it.
func TestLockEmptyRecordIsBusy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reconcile.lock")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	lock := NewLock(dir)
	err := lock.Acquire("reconcile")
	if !HasCode(err, ErrCodeBusy) {
		t.Fatalf("expected BUSY for fresh empty lock file, got %v", err)
	}
	if lock.Held() {
		t.Error("lock must not report held")
	}
}

func TestLockBreaksOldEmptyRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reconcile.lock")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	lock := NewLock(dir)
	if err := lock.Acquire("reconcile"); err != nil {
		t.Fatalf("old empty lock file was not broken: %v", err)
	}
	lock.Release()
}

func TestLockReleaseWhenNotHeld(t *testing.T) {
	lock := NewLock(t.TempDir())
	if err := lock.Release(); err != nil {
		t.Errorf("release of unheld lock must be a no-op, got %v", err)
	}
}

func writeLockRecord(t *testing.T, dir string, record LockRecord) {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "reconcile.lock"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}
