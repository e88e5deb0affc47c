package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockRecord is the contents of the advisory lock file. It identifies the
// holding process so a later invocation can distinguish a live holder from
// a stale record left by a crash.
type LockRecord struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Operation string    `json:"operation"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is an on-disk advisory lock serializing reconciliation runs across
// processes for one installation root. It is deliberately not an in-memory
// flag: separate process invocations must also be mutually excluded.
type Lock struct {
	path     string
	staleAge time.Duration
	held     bool
}

// DefaultLockStaleAge is how old a lock record must be before a new
// invocation may treat it as abandoned when its holder is gone.
const DefaultLockStaleAge = 2 * time.Hour

// NewLock returns a lock rooted at dir. The lock file lives at
// dir/reconcile.lock.
func NewLock(dir string) *Lock {
	return &Lock{
		path:     filepath.Join(dir, "reconcile.lock"),
		staleAge: DefaultLockStaleAge,
	}
}

// Acquire creates the lock record atomically. A second invocation while a
// run is in progress fails immediately with a busy error rather than
// queueing. A record whose holder is dead or which is older than the stale
// age is broken and re-acquired.
func (l *Lock) Acquire(operation string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return NewPermanentError("cannot create lock directory", err).WithCode(ErrCodeBusy)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			if writeErr := l.writeRecord(operation); writeErr != nil {
				os.Remove(l.path)
				return NewPermanentError("cannot write lock record", writeErr)
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return NewPermanentError("cannot create lock file", err)
		}

		record, readErr := l.read()
		if readErr != nil {
			if os.IsNotExist(readErr) {
				// Holder released between our create attempt and the read.
				continue
			}
			// An unreadable record belongs to a holder that just created
			// the file and has not yet renamed its record into place.
			// Only an old file is abandoned.
			info, statErr := os.Stat(l.path)
			if statErr == nil && time.Since(info.ModTime()) > l.staleAge && attempt == 0 {
				os.Remove(l.path)
				continue
			}
			return busyError(nil)
		}
		if l.isStale(record) {
			os.Remove(l.path)
			continue
		}
		return busyError(record)
	}
	return busyError(nil)
}

// Release removes the lock record. Safe to call when not held.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return NewPermanentError("cannot remove lock file", err)
	}
	return nil
}

// Held reports whether this process holds the lock.
func (l *Lock) Held() bool {
	return l.held
}

// writeRecord renames a fully written record over the lock file so a
// concurrent reader never observes a partial one.
func (l *Lock) writeRecord(operation string) error {
	hostname, _ := os.Hostname()
	record := LockRecord{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Operation: operation,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (l *Lock) read() (*LockRecord, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("malformed lock record: %w", err)
	}
	return &record, nil
}

// isStale reports whether the record's holder can be considered gone. A
// same-host record whose PID no longer exists is stale immediately; any
// record past the stale age is stale regardless.
func (l *Lock) isStale(record *LockRecord) bool {
	if time.Since(record.StartedAt) > l.staleAge {
		return true
	}
	hostname, _ := os.Hostname()
	if record.Hostname != hostname {
		return false
	}
	return !processAlive(record.PID)
}

// processAlive checks liveness with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

func busyError(record *LockRecord) *EngineError {
	e := NewConflictError("another reconciliation is in progress", nil).WithCode(ErrCodeBusy)
	if record != nil {
		e = e.WithDetail("holder_pid", record.PID).
			WithDetail("holder_host", record.Hostname).
			WithDetail("holder_operation", record.Operation).
			WithDetail("holder_started_at", record.StartedAt)
	}
	return e
}
