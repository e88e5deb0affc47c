package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verge-sh/verge/pkg/telemetry"
)

// snapshot directory layout:
//
//	snapshots/<id>/
//	  manifest.json   pre-change manifest
//	  metadata.json   Snapshot record
//	  checksums.txt   "<sha256>  <relative backup path>" per line
//	  binaries/...    copies of the pre-change binaries

const (
	snapshotManifestFile  = "manifest.json"
	snapshotMetadataFile  = "metadata.json"
	snapshotChecksumsFile = "checksums.txt"
	snapshotBinariesDir   = "binaries"
)

// SnapshotManager creates, lists and loads snapshots under one root.
type SnapshotManager struct {
	root    string
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewSnapshotManager returns a manager rooted at dir.
func NewSnapshotManager(dir string, logger *telemetry.Logger, metrics *telemetry.Metrics) *SnapshotManager {
	return &SnapshotManager{root: dir, logger: logger, metrics: metrics}
}

// Root returns the snapshots root directory.
func (sm *SnapshotManager) Root() string {
	return sm.root
}

// ManifestPath returns the path of the pre-change manifest captured by snap.
func (sm *SnapshotManager) ManifestPath(snap *Snapshot) string {
	return filepath.Join(sm.root, snap.ID, snapshotManifestFile)
}

// NewSnapshotID derives an id from the current time plus a short random
// suffix so two snapshots within one second cannot collide.
func NewSnapshotID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}

// Create backs up the current bytes of every component a delta is about to
// change, together with the pre-change manifest and a checksums file. It
// is fail-closed: any error removes the partial snapshot directory and the
// caller must abort before mutating anything, leaving the filesystem
// guaranteed unchanged.
func (sm *SnapshotManager) Create(reason, runID string, changes []Change, preManifest *Manifest) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        NewSnapshotID(time.Now()),
		Reason:    reason,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
	snap.Dir = filepath.Join(sm.root, snap.ID)

	fail := func(msg string, err error) (*Snapshot, error) {
		os.RemoveAll(snap.Dir)
		return nil, NewPermanentError(msg, err).
			WithCode(ErrCodeSnapshotFailed).WithOperation("snapshot")
	}

	binDir := filepath.Join(snap.Dir, snapshotBinariesDir)
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fail("cannot create snapshot directory", err)
	}

	var checksums strings.Builder
	for _, change := range changes {
		if change.Kind == ChangeNone {
			continue
		}
		sc := SnapshotComponent{
			Name:         change.Component,
			OriginalPath: change.Path,
		}

		if _, err := os.Stat(change.Path); os.IsNotExist(err) {
			// An add: nothing to copy, rollback will delete the file.
			sc.WasPresent = false
			snap.Components = append(snap.Components, sc)
			continue
		}

		sc.WasPresent = true
		sc.BackupPath = filepath.Join(snapshotBinariesDir, change.Component+filepath.Ext(change.Path))
		dst := filepath.Join(snap.Dir, sc.BackupPath)

		n, err := copyFile(change.Path, dst)
		if err != nil {
			return fail(fmt.Sprintf("cannot back up %s", change.Component), err)
		}
		sc.SizeBytes = n
		snap.SizeBytes += n

		hash, err := HashFile(dst)
		if err != nil {
			return fail(fmt.Sprintf("cannot hash backup of %s", change.Component), err)
		}
		sc.Hash = hash
		fmt.Fprintf(&checksums, "%s  %s\n", hash, sc.BackupPath)

		snap.Components = append(snap.Components, sc)
	}

	if preManifest != nil {
		if err := SaveManifest(preManifest, filepath.Join(snap.Dir, snapshotManifestFile)); err != nil {
			return fail("cannot write snapshot manifest", err)
		}
	}

	if err := os.WriteFile(filepath.Join(snap.Dir, snapshotChecksumsFile), []byte(checksums.String()), 0o644); err != nil {
		return fail("cannot write snapshot checksums", err)
	}

	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fail("cannot encode snapshot metadata", err)
	}
	if err := os.WriteFile(filepath.Join(snap.Dir, snapshotMetadataFile), meta, 0o644); err != nil {
		return fail("cannot write snapshot metadata", err)
	}

	if sm.logger != nil {
		sm.logger.WithSnapshotID(snap.ID).Infof("snapshot created with %d components", len(snap.Components))
	}
	if sm.metrics != nil {
		sm.metrics.RecordSnapshotCreated(snap.SizeBytes)
	}
	return snap, nil
}

// List returns all snapshots newest first.
func (sm *SnapshotManager) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(sm.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, NewPermanentError("cannot read snapshots directory", err)
	}

	var snaps []*Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snap, err := sm.Load(entry.Name())
		if err != nil {
			if sm.logger != nil {
				sm.logger.WithError(err).Warnf("skipping unreadable snapshot %s", entry.Name())
			}
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Latest returns the most recent snapshot, or a not-found error when none
// exist.
func (sm *SnapshotManager) Latest() (*Snapshot, error) {
	snaps, err := sm.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, NewPermanentError("no snapshots exist", nil).WithCode(ErrCodeNotFound)
	}
	return snaps[0], nil
}

// Load reads one snapshot's metadata by id.
func (sm *SnapshotManager) Load(id string) (*Snapshot, error) {
	dir := filepath.Join(sm.root, id)
	data, err := os.ReadFile(filepath.Join(dir, snapshotMetadataFile))
	if os.IsNotExist(err) {
		return nil, NewPermanentError(fmt.Sprintf("snapshot %s not found", id), err).WithCode(ErrCodeNotFound)
	}
	if err != nil {
		return nil, NewPermanentError("cannot read snapshot metadata", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, NewPermanentError("malformed snapshot metadata", err)
	}
	snap.Dir = dir
	return &snap, nil
}

// Checksums parses a snapshot's checksums file into backup-path -> hash.
func (sm *SnapshotManager) Checksums(snap *Snapshot) (map[string]string, error) {
	f, err := os.Open(filepath.Join(snap.Dir, snapshotChecksumsFile))
	if err != nil {
		return nil, NewPermanentError("cannot read snapshot checksums", err)
	}
	defer f.Close()

	sums := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			return nil, NewPermanentError(fmt.Sprintf("malformed checksum line: %q", line), nil)
		}
		sums[parts[1]] = parts[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, NewPermanentError("cannot read snapshot checksums", err)
	}
	return sums, nil
}

// Delete removes a snapshot directory and returns the bytes freed.
// Intended for maintenance only; snapshots are otherwise immutable.
func (sm *SnapshotManager) Delete(id string) (int64, error) {
	dir := filepath.Join(sm.root, id)
	size, err := dirSize(dir)
	if err != nil {
		size = 0
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, NewPermanentError(fmt.Sprintf("cannot delete snapshot %s", id), err)
	}
	return size, nil
}
