// Package labelpool implements the corrected-label pool (spec
// component C2): a JSONL store of ground-truth labels keyed by case
// id, with latest-wins conflict resolution and per-image retrain-round
// tracking. Grounded in
// original_source/AllCare/backserver/labels_pool.py.
package labelpool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
)

// Label is one entry in the pool: a corrected ground-truth label for a
// case, plus the set of image paths it covers and the models it has
// already been used to train.
type Label struct {
	CaseID             string              `json:"case_id"`
	ImagePaths         []string            `json:"image_paths"`
	CorrectLabel       string              `json:"correct_label"`
	UserID             string              `json:"user_id"`
	CreatedAt          string              `json:"created_at"`
	UpdatedAt          string              `json:"updated_at"`
	UsedInModels       []string            `json:"used_in_models"`
	ImageRetrainHistory map[string][]string `json:"image_retrain_history"`
}

// TrainingSample is one (image, label) pair flattened out of the pool
// for consumption by the retrainer (C8).
type TrainingSample struct {
	ImagePath string `json:"image_path"`
	Label     string `json:"label"`
	CaseID    string `json:"case_id"`
}

// Pool is the label store backed by a single JSONL file, guarded by
// both an in-process mutex and a process-wide file lock (spec §5:
// every shared store gets per-file locking, not just the per-user
// ledger).
type Pool struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// New builds a Pool backed by path.
func New(path string) *Pool {
	return &Pool{path: path, lock: flock.New(path + ".lock")}
}

// withFileLock acquires the cross-process file lock around fn. Callers
// hold p.mu first, matching modelregistry's mu-then-flock order.
func (p *Pool) withFileLock(fn func() error) error {
	if err := p.lock.Lock(); err != nil {
		return alerrors.FailedToWithDetails("acquire label pool lock", "labelpool", p.path, err)
	}
	defer p.lock.Unlock()
	return fn()
}

func (p *Pool) loadAll() ([]Label, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, alerrors.FailedToWithDetails("read label pool", "labelpool", p.path, err)
	}
	var labels []Label
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var label Label
		if err := json.Unmarshal([]byte(line), &label); err != nil {
			continue
		}
		labels = append(labels, normalizeHistory(label))
	}
	return labels, nil
}

func normalizeHistory(label Label) Label {
	if label.ImageRetrainHistory == nil {
		label.ImageRetrainHistory = map[string][]string{}
	}
	for _, path := range label.ImagePaths {
		if _, ok := label.ImageRetrainHistory[path]; !ok {
			label.ImageRetrainHistory[path] = nil
		}
	}
	return label
}

func (p *Pool) saveAll(labels []Label) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create label pool directory", "labelpool", p.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".labels-*.tmp")
	if err != nil {
		return alerrors.FailedToWithDetails("create temp label pool file", "labelpool", p.path, err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	for _, label := range labels {
		line, err := json.Marshal(label)
		if err != nil {
			tmp.Close()
			return alerrors.FailedToWithDetails("marshal label", "labelpool", label.CaseID, err)
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return alerrors.FailedToWithDetails("write label", "labelpool", label.CaseID, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return alerrors.FailedToWithDetails("sync label pool file", "labelpool", p.path, err)
	}
	if err := tmp.Close(); err != nil {
		return alerrors.FailedToWithDetails("close label pool file", "labelpool", p.path, err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return alerrors.FailedToWithDetails("rename label pool file", "labelpool", p.path, err)
	}
	success = true
	return nil
}

func (p *Pool) appendOne(label Label) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create label pool directory", "labelpool", p.path, err)
	}
	line, err := json.Marshal(label)
	if err != nil {
		return alerrors.FailedToWithDetails("marshal label", "labelpool", label.CaseID, err)
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return alerrors.FailedToWithDetails("open label pool for append", "labelpool", p.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return alerrors.FailedToWithDetails("append label", "labelpool", p.path, err)
	}
	return f.Sync()
}

// AddLabel upserts a label for caseID using latest-wins conflict
// resolution: an existing entry for the same case id is overwritten in
// place (preserving created_at and used-model history), a new case id
// is appended.
func (p *Pool) AddLabel(caseID string, imagePaths []string, correctLabel, userID string) (Label, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var entry Label
	err := p.withFileLock(func() error {
		labels, err := p.loadAll()
		if err != nil {
			return err
		}

		now := time.Now().Format(time.RFC3339)
		existingIdx := -1
		for i, l := range labels {
			if l.CaseID == caseID {
				existingIdx = i
				break
			}
		}

		entry = Label{
			CaseID:       caseID,
			ImagePaths:   imagePaths,
			CorrectLabel: correctLabel,
			UserID:       userID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if existingIdx == -1 {
			entry.UsedInModels = []string{}
			history := make(map[string][]string, len(imagePaths))
			for _, path := range imagePaths {
				history[path] = nil
			}
			entry.ImageRetrainHistory = history
		} else {
			prev := labels[existingIdx]
			entry.CreatedAt = prev.CreatedAt
			entry.UsedInModels = append([]string{}, prev.UsedInModels...)
			entry.ImageRetrainHistory = normalizeHistory(prev).ImageRetrainHistory
		}

		if existingIdx != -1 {
			labels[existingIdx] = entry
			return p.saveAll(labels)
		}
		return p.appendOne(entry)
	})
	if err != nil {
		return Label{}, err
	}
	return entry, nil
}

// GetAllLabels returns every label in the pool.
func (p *Pool) GetAllLabels() ([]Label, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var labels []Label
	err := p.withFileLock(func() error {
		var err error
		labels, err = p.loadAll()
		return err
	})
	return labels, err
}

// GetUnusedLabels returns labels that have not yet been used to train
// any model.
func (p *Pool) GetUnusedLabels() ([]Label, error) {
	labels, err := p.GetAllLabels()
	if err != nil {
		return nil, err
	}
	var unused []Label
	for _, l := range labels {
		if len(l.UsedInModels) == 0 {
			unused = append(unused, l)
		}
	}
	return unused, nil
}

// GetLabelsSince returns labels created or updated after timestamp
// (ISO-8601, compared lexically as the original does).
func (p *Pool) GetLabelsSince(timestamp string) ([]Label, error) {
	labels, err := p.GetAllLabels()
	if err != nil {
		return nil, err
	}
	var out []Label
	for _, l := range labels {
		if l.UpdatedAt > timestamp {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetLabelCount returns the total number of labels in the pool.
func (p *Pool) GetLabelCount() (int, error) {
	labels, err := p.GetAllLabels()
	if err != nil {
		return 0, err
	}
	return len(labels), nil
}

// GetUnusedLabelCount returns the number of labels not yet used in
// training.
func (p *Pool) GetUnusedLabelCount() (int, error) {
	labels, err := p.GetUnusedLabels()
	if err != nil {
		return 0, err
	}
	return len(labels), nil
}

// MarkLabelsUsed records versionID against every label in caseIDs (or
// every label, if caseIDs is nil), and against every one of that
// label's images' per-image retrain history. Returns the number of
// labels newly marked (labels already carrying versionID are not
// double-counted).
func (p *Pool) MarkLabelsUsed(versionID string, caseIDs []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var marked int
	err := p.withFileLock(func() error {
		labels, err := p.loadAll()
		if err != nil {
			return err
		}

		var wanted map[string]bool
		if caseIDs != nil {
			wanted = make(map[string]bool, len(caseIDs))
			for _, id := range caseIDs {
				wanted[id] = true
			}
		}

		for i := range labels {
			label := &labels[i]
			if wanted != nil && !wanted[label.CaseID] {
				continue
			}
			if !containsString(label.UsedInModels, versionID) {
				label.UsedInModels = append(label.UsedInModels, versionID)
				marked++
			}
			if label.ImageRetrainHistory == nil {
				label.ImageRetrainHistory = map[string][]string{}
			}
			for _, path := range label.ImagePaths {
				history := label.ImageRetrainHistory[path]
				if !containsString(history, versionID) {
					history = append(history, versionID)
				}
				label.ImageRetrainHistory[path] = history
			}
		}

		return p.saveAll(labels)
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// GetLabelByCase returns the label for caseID, or false if none exists.
func (p *Pool) GetLabelByCase(caseID string) (Label, bool, error) {
	labels, err := p.GetAllLabels()
	if err != nil {
		return Label{}, false, err
	}
	for _, l := range labels {
		if l.CaseID == caseID {
			return l, true, nil
		}
	}
	return Label{}, false, nil
}

// DeleteLabel removes the label for caseID, reporting whether one was
// found and removed.
func (p *Pool) DeleteLabel(caseID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed bool
	err := p.withFileLock(func() error {
		labels, err := p.loadAll()
		if err != nil {
			return err
		}
		kept := make([]Label, 0, len(labels))
		for _, l := range labels {
			if l.CaseID == caseID {
				removed = true
				continue
			}
			kept = append(kept, l)
		}
		if !removed {
			return nil
		}
		return p.saveAll(kept)
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// GetLabelsForTraining flattens the pool into one (image, label, case)
// sample per image path, the shape the retrainer (C8) consumes.
func (p *Pool) GetLabelsForTraining() ([]TrainingSample, error) {
	labels, err := p.GetAllLabels()
	if err != nil {
		return nil, err
	}
	var samples []TrainingSample
	for _, l := range labels {
		for _, imgPath := range l.ImagePaths {
			samples = append(samples, TrainingSample{
				ImagePath: imgPath,
				Label:     l.CorrectLabel,
				CaseID:    l.CaseID,
			})
		}
	}
	return samples, nil
}
