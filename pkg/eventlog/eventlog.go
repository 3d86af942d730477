// Package eventlog implements the append-only audit trail of active
// learning operations (spec component C4): retrain triggers, training
// lifecycle, promotions, rollbacks, and config changes. Grounded in
// original_source/AllCare/backserver/event_log.py.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
)

// Type is an event type constant.
type Type string

const (
	RetrainTriggered  Type = "retrain_triggered"
	TrainingStarted   Type = "training_started"
	TrainingCompleted Type = "training_completed"
	TrainingFailed    Type = "training_failed"
	ModelPromoted     Type = "model_promoted"
	ModelRollback     Type = "model_rollback"
	ConfigUpdated     Type = "config_updated"
	LabelAdded        Type = "label_added"
	ThresholdReached  Type = "threshold_reached"
)

// Event is one audit-trail entry.
type Event struct {
	Timestamp string                 `json:"timestamp"`
	Type      Type                   `json:"type"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Log is the event log backed by a single JSONL file, guarded by both
// an in-process mutex and a process-wide file lock (spec §5: every
// shared store gets per-file locking, not just the per-user ledger).
type Log struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// New builds a Log backed by path.
func New(path string) *Log {
	return &Log{path: path, lock: flock.New(path + ".lock")}
}

// withFileLock acquires the cross-process file lock around fn. Callers
// hold l.mu first, matching modelregistry's mu-then-flock order.
func (l *Log) withFileLock(fn func() error) error {
	if err := l.lock.Lock(); err != nil {
		return alerrors.FailedToWithDetails("acquire event log lock", "eventlog", l.path, err)
	}
	defer l.lock.Unlock()
	return fn()
}

// LogEvent appends a new event and returns it.
func (l *Log) LogEvent(eventType Type, message string, metadata map[string]interface{}) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	event := Event{
		Timestamp: time.Now().Format(time.RFC3339),
		Type:      eventType,
		Message:   message,
		Metadata:  metadata,
	}
	err := l.withFileLock(func() error {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return alerrors.FailedToWithDetails("create event log directory", "eventlog", l.path, err)
		}
		line, err := json.Marshal(event)
		if err != nil {
			return alerrors.FailedToWithDetails("marshal event", "eventlog", l.path, err)
		}
		f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return alerrors.FailedToWithDetails("open event log for append", "eventlog", l.path, err)
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return alerrors.FailedToWithDetails("append event", "eventlog", l.path, err)
		}
		if err := f.Sync(); err != nil {
			return alerrors.FailedToWithDetails("sync event log", "eventlog", l.path, err)
		}
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func (l *Log) readAll() ([]Event, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, alerrors.FailedToWithDetails("read event log", "eventlog", l.path, err)
	}
	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func reversed(events []Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out
}

func truncate(events []Event, limit int) []Event {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}

// GetAllEvents returns every event, newest first.
func (l *Log) GetAllEvents() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []Event
	err := l.withFileLock(func() error {
		var err error
		events, err = l.readAll()
		return err
	})
	if err != nil {
		return nil, err
	}
	return reversed(events), nil
}

// GetRecentEvents returns up to limit of the most recent events.
func (l *Log) GetRecentEvents(limit int) ([]Event, error) {
	all, err := l.GetAllEvents()
	if err != nil {
		return nil, err
	}
	return truncate(all, limit), nil
}

// GetEventsByType returns up to limit events of the given type, newest first.
func (l *Log) GetEventsByType(eventType Type, limit int) ([]Event, error) {
	all, err := l.GetAllEvents()
	if err != nil {
		return nil, err
	}
	var matched []Event
	for _, e := range all {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return truncate(matched, limit), nil
}

// GetEventsSince returns up to limit events strictly after timestamp
// (ISO-8601, compared lexically as the original does), newest first.
func (l *Log) GetEventsSince(timestamp string, limit int) ([]Event, error) {
	all, err := l.GetAllEvents()
	if err != nil {
		return nil, err
	}
	var matched []Event
	for _, e := range all {
		if e.Timestamp > timestamp {
			matched = append(matched, e)
		}
	}
	return truncate(matched, limit), nil
}

// ClearEvents truncates the log and returns the number of events it
// had contained. Intended for test/maintenance use only.
func (l *Log) ClearEvents() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	err := l.withFileLock(func() error {
		events, err := l.readAll()
		if err != nil {
			return err
		}
		if len(events) == 0 {
			if _, statErr := os.Stat(l.path); os.IsNotExist(statErr) {
				return nil
			}
		}
		if err := os.WriteFile(l.path, nil, 0o644); err != nil {
			return alerrors.FailedToWithDetails("truncate event log", "eventlog", l.path, err)
		}
		n = len(events)
		return nil
	})
	return n, err
}

// --- convenience constructors matching the original's domain events ---

// LogRetrainTriggered records a retrain-threshold crossing.
func (l *Log) LogRetrainTriggered(samplesCount, threshold int) (Event, error) {
	return l.LogEvent(RetrainTriggered,
		fmt.Sprintf("Retrain triggered: %d samples (threshold: %d)", samplesCount, threshold),
		map[string]interface{}{"samples_count": samplesCount, "threshold": threshold})
}

// LogTrainingStarted records the start of a training run.
func (l *Log) LogTrainingStarted(versionID string, configUsed map[string]interface{}) (Event, error) {
	return l.LogEvent(TrainingStarted,
		fmt.Sprintf("Training started for model %s", versionID),
		map[string]interface{}{"version_id": versionID, "config": configUsed})
}

// LogTrainingCompleted records a successful training run.
func (l *Log) LogTrainingCompleted(versionID string, accuracy float64, samplesUsed int) (Event, error) {
	return l.LogEvent(TrainingCompleted,
		fmt.Sprintf("Training completed: %s (accuracy: %.1f%%, samples: %d)", versionID, accuracy*100, samplesUsed),
		map[string]interface{}{"version_id": versionID, "accuracy": accuracy, "samples_used": samplesUsed})
}

// LogTrainingFailed records a failed training run.
func (l *Log) LogTrainingFailed(versionID, errMsg string) (Event, error) {
	return l.LogEvent(TrainingFailed,
		fmt.Sprintf("Training failed for %s: %s", versionID, errMsg),
		map[string]interface{}{"version_id": versionID, "error": errMsg})
}

// LogModelPromoted records a production promotion.
func (l *Log) LogModelPromoted(versionID string, accuracy float64) (Event, error) {
	return l.LogEvent(ModelPromoted,
		fmt.Sprintf("Model %s promoted to production (accuracy: %.1f%%)", versionID, accuracy*100),
		map[string]interface{}{"version_id": versionID, "accuracy": accuracy})
}

// LogModelRollback records a rollback between two versions.
func (l *Log) LogModelRollback(fromVersion, toVersion, reason string) (Event, error) {
	return l.LogEvent(ModelRollback,
		fmt.Sprintf("Rollback from %s to %s: %s", fromVersion, toVersion, reason),
		map[string]interface{}{"from_version": fromVersion, "to_version": toVersion, "reason": reason})
}

// LogConfigUpdated records a training-config change.
func (l *Log) LogConfigUpdated(changes map[string]interface{}) (Event, error) {
	return l.LogEvent(ConfigUpdated, "Training configuration updated", map[string]interface{}{"changes": changes})
}
