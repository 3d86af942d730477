// Package trainingconfig implements the admin-tunable hyperparameter
// bundle (spec component C5): load/save of the active configuration,
// merged over defaults, plus validation against a fixed rule table.
// Grounded in
// original_source/AllCare/backserver/training_config.py.
package trainingconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
)

// Config is a training hyperparameter bundle.
type Config struct {
	Epochs               int     `json:"epochs"`
	BatchSize            int     `json:"batch_size"`
	LearningRate         float64 `json:"learning_rate"`
	Optimizer            string  `json:"optimizer"`
	Dropout              float64 `json:"dropout"`
	AugmentationApplied  bool    `json:"augmentation_applied"`
}

// Default returns the built-in default training configuration.
func Default() Config {
	return Config{
		Epochs:              10,
		BatchSize:           16,
		LearningRate:        1e-4,
		Optimizer:           "Adam",
		Dropout:             0.3,
		AugmentationApplied: true,
	}
}

var allowedOptimizers = map[string]bool{
	"Adam":     true,
	"SGD":      true,
	"AdamW":    true,
	"RMSprop":  true,
}

// Validate checks config against the fixed rule table, returning every
// violation found (not just the first).
func Validate(config Config) []string {
	var errs []string
	if config.Epochs < 1 || config.Epochs > 100 {
		errs = append(errs, fmt.Sprintf("epochs: value %d is out of range [1, 100]", config.Epochs))
	}
	if config.BatchSize < 1 || config.BatchSize > 128 {
		errs = append(errs, fmt.Sprintf("batch_size: value %d is out of range [1, 128]", config.BatchSize))
	}
	if config.LearningRate < 1e-6 || config.LearningRate > 1.0 {
		errs = append(errs, fmt.Sprintf("learning_rate: value %g is out of range [1e-06, 1.0]", config.LearningRate))
	}
	if !allowedOptimizers[config.Optimizer] {
		errs = append(errs, fmt.Sprintf("optimizer: value %q not in allowed values [Adam, SGD, AdamW, RMSprop]", config.Optimizer))
	}
	if config.Dropout < 0.0 || config.Dropout > 0.9 {
		errs = append(errs, fmt.Sprintf("dropout: value %g is out of range [0.0, 0.9]", config.Dropout))
	}
	return errs
}

// Store persists the active training configuration to a single JSON
// file, guarded by both an in-process mutex and a process-wide file
// lock (spec §5: every shared store gets per-file locking, not just
// the per-user ledger).
type Store struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// New builds a Store backed by path.
func New(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// withFileLock acquires the cross-process file lock around fn. Callers
// hold s.mu first, matching modelregistry's mu-then-flock order.
func (s *Store) withFileLock(fn func() error) error {
	if err := s.lock.Lock(); err != nil {
		return alerrors.FailedToWithDetails("acquire training config lock", "trainingconfig", s.path, err)
	}
	defer s.lock.Unlock()
	return fn()
}

// Load returns the active configuration, falling back to Default if
// the file doesn't exist or fails to parse. Fields absent from the
// stored file (a partial override) fall back to their default value,
// matching the original's merge-over-defaults semantics.
func (s *Store) Load() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := Default()
	_ = s.withFileLock(func() error {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil
		}
		var partial map[string]interface{}
		if err := json.Unmarshal(data, &partial); err != nil {
			return nil
		}
		mergeFields(&merged, partial)
		return nil
	})
	return merged
}

func mergeFields(config *Config, fields map[string]interface{}) {
	if v, ok := fields["epochs"].(float64); ok {
		config.Epochs = int(v)
	}
	if v, ok := fields["batch_size"].(float64); ok {
		config.BatchSize = int(v)
	}
	if v, ok := fields["learning_rate"].(float64); ok {
		config.LearningRate = v
	}
	if v, ok := fields["optimizer"].(string); ok {
		config.Optimizer = v
	}
	if v, ok := fields["dropout"].(float64); ok {
		config.Dropout = v
	}
	if v, ok := fields["augmentation_applied"].(bool); ok {
		config.AugmentationApplied = v
	}
}

// Save writes config as the new active configuration, merged over
// defaults so a partial update from an older client still produces a
// complete file.
func (s *Store) Save(config Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(func() error {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return alerrors.FailedToWithDetails("create training config directory", "trainingconfig", s.path, err)
		}
		merged := Default()
		overlay := config
		mergeFields(&merged, toFields(overlay))
		data, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return alerrors.FailedToWithDetails("marshal training config", "trainingconfig", s.path, err)
		}
		if err := os.WriteFile(s.path, data, 0o644); err != nil {
			return alerrors.FailedToWithDetails("write training config", "trainingconfig", s.path, err)
		}
		return nil
	})
}

// Merge overlays overrides (a partial field set, e.g. a caller-supplied
// retrain() argument) onto base, used to implement the
// caller-override > persisted > defaults precedence the retrainer
// applies to its training config.
func Merge(base Config, overrides map[string]interface{}) Config {
	merged := base
	mergeFields(&merged, overrides)
	return merged
}

func toFields(config Config) map[string]interface{} {
	return map[string]interface{}{
		"epochs":               float64(config.Epochs),
		"batch_size":           float64(config.BatchSize),
		"learning_rate":        config.LearningRate,
		"optimizer":            config.Optimizer,
		"dropout":              config.Dropout,
		"augmentation_applied": config.AugmentationApplied,
	}
}
