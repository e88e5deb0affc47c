package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEventPublisherSink(t *testing.T) {
	sink := filepath.Join(t.TempDir(), "events.jsonl")
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, SinkPath: sink})
	if err != nil {
		t.Fatalf("cannot create publisher: %v", err)
	}

	if err := ep.PublishReconcileStarted("run-1", "/srv/verge/manifest.json"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := ep.PublishReconcileCommitted("run-1", "snap-1", 2, 3*time.Second); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	f, err := os.Open(sink)
	if err != nil {
		t.Fatalf("sink not written: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("sink line is not valid JSON: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 sink lines, got %d", len(events))
	}

	if events[0].Type != EventTypeReconcileStarted || events[0].RunID != "run-1" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() || events[0].Source != "engine" {
		t.Errorf("publish should fill id, timestamp and source: %+v", events[0])
	}
	if events[1].Type != EventTypeReconcileCommitted || events[1].SnapshotID != "snap-1" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestEventPublisherSubscribers(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	var got []Event
	ep.Subscribe(func(ev Event) { got = append(got, ev) })

	if err := ep.PublishDriftDetected("alpha", "aaa", "bbb"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(got))
	}
	if got[0].Type != EventTypeDriftDetected || got[0].Component != "alpha" {
		t.Errorf("unexpected event: %+v", got[0])
	}
	if got[0].Level != EventLevelWarning {
		t.Errorf("drift events are warnings, got %q", got[0].Level)
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	sink := filepath.Join(t.TempDir(), "events.jsonl")
	ep, err := NewEventPublisher(EventsConfig{Enabled: false, SinkPath: sink})
	if err != nil {
		t.Fatal(err)
	}

	if err := ep.PublishReconcileFailed("run-1", "boom"); err != nil {
		t.Errorf("disabled publisher should swallow events: %v", err)
	}
	if _, err := os.Stat(sink); !os.IsNotExist(err) {
		t.Error("disabled publisher should not write the sink")
	}
}

func TestEventPublisherAsync(t *testing.T) {
	sink := filepath.Join(t.TempDir(), "events.jsonl")
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, SinkPath: sink, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatal(err)
	}

	delivered := make(chan Event, 1)
	ep.Subscribe(func(ev Event) { delivered <- ev })

	if err := ep.PublishSnapshotCreated("run-1", "snap-1", []string{"alpha"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case ev := <-delivered:
		if ev.Type != EventTypeSnapshotCreated {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async event never delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
