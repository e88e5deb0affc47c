package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/verge-sh/verge/pkg/engine"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("cannot create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("cannot init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("cannot migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Errorf("second migration should be a no-op: %v", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	if err := store.RecordRunStart(ctx, "run-1", "/srv/verge/manifest.json", started); err != nil {
		t.Fatalf("record start failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if run.Status != "running" || run.Changes != 0 {
		t.Errorf("unexpected in-flight run: %+v", run)
	}
	if run.FinishedAt != nil {
		t.Errorf("in-flight run should have no finish time")
	}

	finished := started.Add(3 * time.Second)
	if err := store.RecordRunFinish(ctx, "run-1", engine.RunStatusCommitted, "20250114-093042-a1b2c3", "", 2, finished); err != nil {
		t.Fatalf("record finish failed: %v", err)
	}

	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if run.Status != string(engine.RunStatusCommitted) {
		t.Errorf("unexpected status %q", run.Status)
	}
	if run.SnapshotID != "20250114-093042-a1b2c3" || run.Changes != 2 || run.Error != "" {
		t.Errorf("unexpected finished run: %+v", run)
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(finished) {
		t.Errorf("unexpected finish time: %v", run.FinishedAt)
	}
}

func TestRecordRunFinishUnknownRun(t *testing.T) {
	store := setupTestStore(t)
	err := store.RecordRunFinish(context.Background(), "absent", engine.RunStatusFailed, "", "boom", 0, time.Now().UTC())
	if err == nil {
		t.Error("expected an error for an unknown run")
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.GetRun(context.Background(), "absent"); err == nil {
		t.Error("expected an error for an unknown run")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		if err := store.RecordRunStart(ctx, id, "/srv/verge/manifest.json", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, want := range []string{"run-3", "run-2", "run-1"} {
		if runs[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, runs[i].ID, want)
		}
	}

	page, err := store.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page) != 1 || page[0].ID != "run-2" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestSnapshotIndex(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	snaps := []*engine.Snapshot{
		{ID: "snap-1", RunID: "run-1", Reason: "pre-apply", SizeBytes: 1024, CreatedAt: base,
			Components: []engine.SnapshotComponent{{Name: "alpha"}, {Name: "beta"}}},
		{ID: "snap-2", Reason: "pre-apply", SizeBytes: 2048, CreatedAt: base.Add(time.Minute)},
	}
	for _, snap := range snaps {
		if err := store.RecordSnapshot(ctx, snap); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	records, err := store.ListSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "snap-2" || records[1].ID != "snap-1" {
		t.Errorf("expected newest first, got %s then %s", records[0].ID, records[1].ID)
	}
	if records[1].RunID != "run-1" || records[1].Components != 2 || records[1].SizeBytes != 1024 {
		t.Errorf("unexpected record: %+v", records[1])
	}
	if records[0].RunID != "" {
		t.Errorf("absent run id should scan empty, got %q", records[0].RunID)
	}

	if err := store.DeleteSnapshotRecord(ctx, "snap-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	records, err = store.ListSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "snap-2" {
		t.Errorf("unexpected records after delete: %+v", records)
	}
}

func TestStagingLedger(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.MarkStagingConsumed(ctx, "run-1", []string{"alpha-next", "beta-next"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	// A later run consuming the same source must not duplicate it.
	if err := store.MarkStagingConsumed(ctx, "run-2", []string{"alpha-next"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	sources, err := store.ConsumedStaging(ctx)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 distinct sources, got %v", sources)
	}

	if err := store.ForgetStaging(ctx, []string{"alpha-next"}); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	sources, err = store.ConsumedStaging(ctx)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(sources) != 1 || sources[0] != "beta-next" {
		t.Errorf("expected only beta-next to remain, got %v", sources)
	}

	// Forgetting purged or unknown sources is harmless.
	if err := store.ForgetStaging(ctx, []string{"alpha-next", "never-staged"}); err != nil {
		t.Errorf("forget should tolerate unknown sources: %v", err)
	}
}

func TestMarkStagingConsumedEmpty(t *testing.T) {
	store := setupTestStore(t)
	if err := store.MarkStagingConsumed(context.Background(), "run-1", nil); err != nil {
		t.Errorf("empty consumption should be a no-op: %v", err)
	}
}
