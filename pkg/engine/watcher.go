package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/verge-sh/verge/pkg/telemetry"
)

// DriftWatcher watches component binaries for out-of-band modification and
// reports when the on-disk hash diverges from the most recent committed
// state. Detection is advisory only: the watcher never mutates anything,
// a reconcile run is the remedy.
type DriftWatcher struct {
	specs    []ComponentSpec
	baseline map[string]string
	debounce time.Duration
	logger   *telemetry.Logger
	events   *telemetry.EventPublisher
}

// NewDriftWatcher builds a watcher over the registered components. The
// baseline maps component name to its expected hash, typically taken from
// the last committed manifest.
func NewDriftWatcher(specs []ComponentSpec, baseline map[string]string, logger *telemetry.Logger, events *telemetry.EventPublisher) *DriftWatcher {
	return &DriftWatcher{
		specs:    specs,
		baseline: baseline,
		debounce: 2 * time.Second,
		logger:   logger,
		events:   events,
	}
}

// Watch blocks until ctx is cancelled, reporting drift through the event
// publisher and the returned channel. Directories are watched rather than
// files because an atomic rename replaces the inode a file watch is bound
// to.
func (w *DriftWatcher) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, NewPermanentError("cannot create filesystem watcher", err)
	}

	watched := make(map[string]bool)
	byPath := make(map[string]ComponentSpec)
	for _, spec := range w.specs {
		byPath[spec.Path] = spec
		dir := filepath.Dir(spec.Path)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, NewPermanentError("cannot watch directory", err).WithDetail("dir", dir)
		}
		watched[dir] = true
	}

	drifts := make(chan Change, 16)
	go func() {
		defer watcher.Close()
		defer close(drifts)

		pending := make(map[string]time.Time)
		ticker := time.NewTicker(w.debounce)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if _, tracked := byPath[event.Name]; tracked {
					pending[event.Name] = time.Now()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if w.logger != nil {
					w.logger.WithError(err).Warn("filesystem watcher error")
				}

			case <-ticker.C:
				now := time.Now()
				for path, at := range pending {
					if now.Sub(at) < w.debounce {
						continue
					}
					delete(pending, path)
					if change, drifted := w.check(byPath[path]); drifted {
						select {
						case drifts <- change:
						default:
						}
					}
				}
			}
		}
	}()
	return drifts, nil
}

// check re-hashes one component against the baseline.
func (w *DriftWatcher) check(spec ComponentSpec) (Change, bool) {
	want, ok := w.baseline[spec.Name]
	if !ok {
		return Change{}, false
	}
	got, err := HashFile(spec.Path)
	if err != nil {
		got = ""
	}
	if got == want {
		return Change{}, false
	}

	if w.logger != nil {
		w.logger.WithComponentName(spec.Name).Warnf("drift detected: expected %s, found %s", want, got)
	}
	if w.events != nil {
		w.events.PublishDriftDetected(spec.Name, want, got)
	}
	return Change{
		Kind:      ChangeUpdate,
		Component: spec.Name,
		Path:      spec.Path,
		FromHash:  got,
		ToHash:    want,
	}, true
}
