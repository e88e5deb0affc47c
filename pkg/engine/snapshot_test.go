package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileT(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotCreate(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)

	alphaBytes := []byte("alpha original")
	writeFileT(t, filepath.Join(binDir, "alpha"), alphaBytes)

	changes := []Change{
		{Kind: ChangeUpdate, Component: "alpha", Path: filepath.Join(binDir, "alpha"), FromHash: hashBytes(alphaBytes), ToHash: hashA},
		{Kind: ChangeAdd, Component: "beta", Path: filepath.Join(binDir, "beta"), ToHash: hashB},
		{Kind: ChangeNone, Component: "gamma", Path: filepath.Join(binDir, "gamma")},
	}

	snap, err := mgr.Create("pre-reconcile", "run-1", changes, validTestManifest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// No-op changes are not captured.
	if len(snap.Components) != 2 {
		t.Fatalf("expected 2 captured components, got %d", len(snap.Components))
	}

	byName := make(map[string]SnapshotComponent)
	for _, sc := range snap.Components {
		byName[sc.Name] = sc
	}

	alpha := byName["alpha"]
	if !alpha.WasPresent {
		t.Error("alpha was present and must be captured as such")
	}
	backup, err := os.ReadFile(filepath.Join(snap.Dir, alpha.BackupPath))
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != string(alphaBytes) {
		t.Error("backup bytes differ from the original")
	}
	if alpha.Hash != hashBytes(alphaBytes) {
		t.Errorf("backup hash mismatch: %s", alpha.Hash)
	}

	beta := byName["beta"]
	if beta.WasPresent {
		t.Error("absent beta must be captured as not present")
	}
	if beta.BackupPath != "" {
		t.Errorf("absent component must have no backup, got %q", beta.BackupPath)
	}

	// The checksums file covers exactly the present components.
	sums, err := mgr.Checksums(snap)
	if err != nil {
		t.Fatalf("checksums failed: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected 1 checksum, got %d", len(sums))
	}
	if sums[alpha.BackupPath] != alpha.Hash {
		t.Error("checksum file disagrees with metadata")
	}

	// Metadata round trip.
	loaded, err := mgr.Load(snap.ID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.RunID != "run-1" || loaded.Reason != "pre-reconcile" {
		t.Errorf("unexpected metadata: %+v", loaded)
	}

	// The pre-change manifest is preserved.
	if _, err := LoadManifest(mgr.ManifestPath(snap)); err != nil {
		t.Errorf("snapshot manifest unreadable: %v", err)
	}
}

// A snapshot that cannot capture every component must leave nothing behind.
func TestSnapshotCreateFailClosed(t *testing.T) {
	root := t.TempDir()
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)

	// A directory where a binary should be: stat succeeds, copy fails.
	unreadable := filepath.Join(root, "bin", "alpha")
	if err := os.MkdirAll(unreadable, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := mgr.Create("pre-reconcile", "run-1", []Change{
		{Kind: ChangeUpdate, Component: "alpha", Path: unreadable},
	}, nil)
	if err == nil {
		t.Fatal("expected create to fail")
	}
	if !HasCode(err, ErrCodeSnapshotFailed) {
		t.Errorf("expected SNAPSHOT_FAILED, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "snapshots"))
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("partial snapshot directory left behind: %s", e.Name())
		}
	}
}

func TestSnapshotListNewestFirst(t *testing.T) {
	root := t.TempDir()
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)
	writeFileT(t, filepath.Join(root, "bin", "alpha"), []byte("v1"))

	var ids []string
	for i := 0; i < 3; i++ {
		snap, err := mgr.Create("pre-reconcile", "run", []Change{
			{Kind: ChangeUpdate, Component: "alpha", Path: filepath.Join(root, "bin", "alpha")},
		}, nil)
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		ids = append(ids, snap.ID)
		time.Sleep(10 * time.Millisecond)
	}

	snaps, err := mgr.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	for i := range snaps {
		if snaps[i].ID != ids[len(ids)-1-i] {
			t.Fatalf("expected newest first, got %v", snapshotIDs(snaps))
		}
	}

	latest, err := mgr.Latest()
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest.ID != ids[2] {
		t.Errorf("expected latest %s, got %s", ids[2], latest.ID)
	}
}

func TestSnapshotLatestEmpty(t *testing.T) {
	mgr := NewSnapshotManager(filepath.Join(t.TempDir(), "snapshots"), nil, nil)
	_, err := mgr.Latest()
	if !HasCode(err, ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND on empty root, got %v", err)
	}
}

func TestSnapshotDelete(t *testing.T) {
	root := t.TempDir()
	mgr := NewSnapshotManager(filepath.Join(root, "snapshots"), nil, nil)
	writeFileT(t, filepath.Join(root, "bin", "alpha"), []byte("some content here"))

	snap, err := mgr.Create("pre-reconcile", "run", []Change{
		{Kind: ChangeUpdate, Component: "alpha", Path: filepath.Join(root, "bin", "alpha")},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	freed, err := mgr.Delete(snap.ID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if freed <= 0 {
		t.Error("delete must report freed bytes")
	}
	if _, err := mgr.Load(snap.ID); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
}

func TestNewSnapshotID(t *testing.T) {
	now := time.Date(2025, 1, 14, 9, 30, 42, 0, time.UTC)
	id := NewSnapshotID(now)
	if !strings.HasPrefix(id, "20250114-093042-") {
		t.Errorf("unexpected id shape: %s", id)
	}
	if id == NewSnapshotID(now) {
		t.Error("ids for the same instant must still differ")
	}
}

func snapshotIDs(snaps []*Snapshot) []string {
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	return ids
}
