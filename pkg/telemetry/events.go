package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a reconciliation lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated reconciliation run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Component is the associated managed component, if applicable.
	Component string `json:"component,omitempty"`

	// SnapshotID is the associated snapshot, if applicable.
	SnapshotID string `json:"snapshot_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for reconciliation lifecycle events.
const (
	EventTypeReconcileStarted    = "reconcile.started"
	EventTypeReconcileCommitted  = "reconcile.committed"
	EventTypeReconcileNoop       = "reconcile.noop"
	EventTypeReconcileRolledBack = "reconcile.rolled_back"
	EventTypeReconcileFailed     = "reconcile.failed"
	EventTypeSnapshotCreated     = "snapshot.created"
	EventTypeRollbackStarted     = "rollback.started"
	EventTypeRollbackCompleted   = "rollback.completed"
	EventTypeRollbackFailed      = "rollback.failed"
	EventTypeCleanupCompleted    = "cleanup.completed"
	EventTypeDriftDetected       = "drift.detected"
	EventTypeProbeFailed         = "probe.failed"
	EventTypePolicyViolation     = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventPublisher fans events out to subscribers and, when configured, appends
// each event as one JSON line to the sink file read by the installer layer.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber
	sinkMu      sync.Mutex
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 256
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriber)
}

// Publish publishes an event to the sink file and all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = "engine"
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	return ep.deliver(event)
}

// PublishReconcileStarted publishes a reconcile started event.
func (ep *EventPublisher) PublishReconcileStarted(runID, manifestPath string) error {
	return ep.Publish(Event{
		Type:    EventTypeReconcileStarted,
		RunID:   runID,
		Message: fmt.Sprintf("Reconciliation %s started against %s", runID, manifestPath),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"manifest_path": manifestPath},
	})
}

// PublishReconcileCommitted publishes a successful reconciliation event.
func (ep *EventPublisher) PublishReconcileCommitted(runID, snapshotID string, changed int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:       EventTypeReconcileCommitted,
		RunID:      runID,
		SnapshotID: snapshotID,
		Message:    fmt.Sprintf("Reconciliation %s committed: %d components changed", runID, changed),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"changed_components": changed,
			"duration_seconds":   duration.Seconds(),
		},
	})
}

// PublishReconcileNoop publishes the event for a run that found nothing to
// change.
func (ep *EventPublisher) PublishReconcileNoop(runID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeReconcileNoop,
		RunID:   runID,
		Message: fmt.Sprintf("Reconciliation %s found no drift", runID),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"duration_seconds": duration.Seconds()},
	})
}

// PublishReconcileRolledBack publishes an automatic rollback event.
func (ep *EventPublisher) PublishReconcileRolledBack(runID, snapshotID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeReconcileRolledBack,
		RunID:      runID,
		SnapshotID: snapshotID,
		Message:    fmt.Sprintf("Reconciliation %s rolled back: %s", runID, reason),
		Level:      EventLevelWarning,
		Data:       map[string]interface{}{"reason": reason},
	})
}

// PublishReconcileFailed publishes a failed reconciliation event.
func (ep *EventPublisher) PublishReconcileFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeReconcileFailed,
		RunID:   runID,
		Message: fmt.Sprintf("Reconciliation %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishSnapshotCreated publishes a snapshot created event.
func (ep *EventPublisher) PublishSnapshotCreated(runID, snapshotID string, components []string) error {
	return ep.Publish(Event{
		Type:       EventTypeSnapshotCreated,
		RunID:      runID,
		SnapshotID: snapshotID,
		Message:    fmt.Sprintf("Snapshot %s created covering %d components", snapshotID, len(components)),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"components": components},
	})
}

// PublishRollbackStarted publishes the start of a snapshot restore.
func (ep *EventPublisher) PublishRollbackStarted(snapshotID, trigger string) error {
	return ep.Publish(Event{
		Type:       EventTypeRollbackStarted,
		SnapshotID: snapshotID,
		Message:    fmt.Sprintf("Rollback to snapshot %s started (%s)", snapshotID, trigger),
		Level:      EventLevelWarning,
		Data:       map[string]interface{}{"trigger": trigger},
	})
}

// PublishRollbackCompleted publishes a rollback completed event.
func (ep *EventPublisher) PublishRollbackCompleted(snapshotID string, restored []string) error {
	return ep.Publish(Event{
		Type:       EventTypeRollbackCompleted,
		SnapshotID: snapshotID,
		Message:    fmt.Sprintf("Rollback to snapshot %s restored %d components", snapshotID, len(restored)),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"restored_components": restored},
	})
}

// PublishRollbackFailed publishes the fatal rollback failure event.
func (ep *EventPublisher) PublishRollbackFailed(snapshotID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeRollbackFailed,
		SnapshotID: snapshotID,
		Message:    fmt.Sprintf("FATAL: rollback to snapshot %s failed validation: %s", snapshotID, reason),
		Level:      EventLevelError,
		Data:       map[string]interface{}{"reason": reason},
	})
}

// PublishDriftDetected publishes a drift detection event.
func (ep *EventPublisher) PublishDriftDetected(component string, fromHash, toHash string) error {
	return ep.Publish(Event{
		Type:      EventTypeDriftDetected,
		Source:    "drift_watcher",
		Component: component,
		Message:   fmt.Sprintf("Drift detected on component %s", component),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"current_hash": fromHash,
			"desired_hash": toHash,
		},
	})
}

// PublishProbeFailed publishes a probe failure event.
func (ep *EventPublisher) PublishProbeFailed(component, status, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeProbeFailed,
		Source:    "inspector",
		Component: component,
		Message:   fmt.Sprintf("Probe for component %s degraded to %s: %s", component, status, reason),
		Level:     EventLevelWarning,
		Data:      map[string]interface{}{"status": status, "reason": reason},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(runID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		RunID:   runID,
		Message: fmt.Sprintf("Policy violation: %s - %s", policyName, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// processEvents drains the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			_ = ep.deliver(event)
		case <-ep.ctx.Done():
			// Drain whatever is left before shutting down.
			for {
				select {
				case event := <-ep.buffer:
					_ = ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver appends the event to the sink file and notifies subscribers.
func (ep *EventPublisher) deliver(event Event) error {
	var sinkErr error
	if ep.config.SinkPath != "" {
		sinkErr = ep.appendToSink(event)
	}

	ep.mu.RLock()
	subs := ep.subscribers
	ep.mu.RUnlock()
	for _, sub := range subs {
		sub(event)
	}

	return sinkErr
}

// appendToSink writes one JSON line per event.
func (ep *EventPublisher) appendToSink(event Event) error {
	ep.sinkMu.Lock()
	defer ep.sinkMu.Unlock()

	file, err := os.OpenFile(ep.config.SinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event sink: %w", err)
	}
	defer file.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || ep.cancel == nil {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}
