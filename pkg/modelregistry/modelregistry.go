// Package modelregistry implements the model version catalog and
// promote/rollback lifecycle (spec component C3): registration,
// status transitions, the production/archive file-move protocol, and
// an active-inference pointer independent of current_production.
// Grounded in original_source/AllCare/backserver/model_registry.py.
package modelregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
)

// Status is a model's lifecycle state.
type Status string

const (
	StatusTraining   Status = "training"
	StatusEvaluating Status = "evaluating"
	StatusProduction Status = "production"
	StatusArchived   Status = "archived"
	StatusFailed     Status = "failed"
)

// Model is one catalog entry.
type Model struct {
	VersionID      string                 `json:"version_id,omitempty"`
	Status         Status                 `json:"status"`
	CreatedAt      string                 `json:"created_at"`
	Architecture   string                 `json:"architecture,omitempty"`
	BaseModel      string                 `json:"base_model,omitempty"`
	TrainingConfig map[string]interface{} `json:"training_config"`
	Metrics        map[string]interface{} `json:"metrics"`
	Path           string                 `json:"path"`
	ProductionPath string                 `json:"production_path,omitempty"`
}

// ActiveInference points at the model currently serving inference,
// independent of which model is marked current_production.
type ActiveInference struct {
	VersionID string `json:"version_id"`
	Path      string `json:"path"`
}

type registryFile struct {
	Models            map[string]Model `json:"models"`
	CurrentProduction string            `json:"current_production"`
	PendingPromotion  string            `json:"pending_promotion"`
	ActiveInference   *ActiveInference  `json:"active_inference"`
}

func emptyRegistry() registryFile {
	return registryFile{Models: map[string]Model{}}
}

// Paths bundles the directories promote/rollback moves model files
// between.
type Paths struct {
	ProductionDir string
	ArchiveDir    string
}

// Registry is the model catalog backed by a single JSON file, guarded
// by a process-wide file lock (spec §5: the registry is a single
// shared resource, unlike the per-user ledger).
type Registry struct {
	path  string
	paths Paths
	lock  *flock.Flock
	mu    sync.Mutex
}

// New builds a Registry backed by path, moving files between the given
// production/archive directories on promote/rollback.
func New(path string, paths Paths) *Registry {
	return &Registry{path: path, paths: paths, lock: flock.New(path + ".lock")}
}

func (r *Registry) withLock(fn func(*registryFile) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return alerrors.FailedToWithDetails("acquire registry lock", "modelregistry", "", err)
	}
	defer r.lock.Unlock()

	reg, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(&reg); err != nil {
		return err
	}
	return r.save(reg)
}

func (r *Registry) load() (registryFile, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyRegistry(), nil
		}
		return registryFile{}, alerrors.FailedToWithDetails("read model registry", "modelregistry", r.path, err)
	}
	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return registryFile{}, alerrors.FailedToWithDetails("parse model registry", "modelregistry", r.path, err)
	}
	if reg.Models == nil {
		reg.Models = map[string]Model{}
	}
	return reg, nil
}

func (r *Registry) save(reg registryFile) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create registry directory", "modelregistry", r.path, err)
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return alerrors.FailedToWithDetails("marshal model registry", "modelregistry", r.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*.tmp")
	if err != nil {
		return alerrors.FailedToWithDetails("create temp registry file", "modelregistry", r.path, err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return alerrors.FailedToWithDetails("write registry file", "modelregistry", r.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return alerrors.FailedToWithDetails("sync registry file", "modelregistry", r.path, err)
	}
	if err := tmp.Close(); err != nil {
		return alerrors.FailedToWithDetails("close registry file", "modelregistry", r.path, err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return alerrors.FailedToWithDetails("rename registry file", "modelregistry", r.path, err)
	}
	success = true
	return nil
}

// GenerateVersionID mints the next v{YYYYMMDD}_{seq} version id for
// today, where seq increments across same-day registrations.
func (r *Registry) GenerateVersionID() (string, error) {
	reg, err := r.load()
	if err != nil {
		return "", err
	}
	today := time.Now().Format("20060102")
	prefix := fmt.Sprintf("v%s_", today)

	maxSeq := 0
	for id := range reg.Models {
		if !hasPrefix(id, prefix) {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(id[len(prefix):], "%03d", &seq); err == nil && seq > maxSeq {
			maxSeq = seq
		}
	}
	return fmt.Sprintf("%s%03d", prefix, maxSeq+1), nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// RegisterModel adds a new catalog entry for versionID.
func (r *Registry) RegisterModel(versionID, baseModel string, trainingConfig map[string]interface{}, path string, status Status) (Model, error) {
	if status == "" {
		status = StatusTraining
	}
	model := Model{
		Status:         status,
		CreatedAt:      time.Now().Format(time.RFC3339),
		BaseModel:      baseModel,
		TrainingConfig: trainingConfig,
		Metrics:        map[string]interface{}{},
		Path:           path,
	}
	err := r.withLock(func(reg *registryFile) error {
		reg.Models[versionID] = model
		return nil
	})
	return model, err
}

// UpdateModelStatus sets versionID's status, reporting false if it
// isn't registered.
func (r *Registry) UpdateModelStatus(versionID string, status Status) (bool, error) {
	found := false
	err := r.withLock(func(reg *registryFile) error {
		model, ok := reg.Models[versionID]
		if !ok {
			return nil
		}
		model.Status = status
		reg.Models[versionID] = model
		found = true
		return nil
	})
	return found, err
}

// UpdateModelMetrics replaces versionID's metrics, reporting false if
// it isn't registered.
func (r *Registry) UpdateModelMetrics(versionID string, metrics map[string]interface{}) (bool, error) {
	found := false
	err := r.withLock(func(reg *registryFile) error {
		model, ok := reg.Models[versionID]
		if !ok {
			return nil
		}
		model.Metrics = metrics
		reg.Models[versionID] = model
		found = true
		return nil
	})
	return found, err
}

// CompleteTraining records a training run's outcome against versionID:
// final weights path, architecture, metrics, and status=evaluating
// (spec §4.8 step 12). Reports false if versionID isn't registered.
func (r *Registry) CompleteTraining(versionID, path, architecture string, metrics map[string]interface{}) (bool, error) {
	found := false
	err := r.withLock(func(reg *registryFile) error {
		model, ok := reg.Models[versionID]
		if !ok {
			return nil
		}
		model.Path = path
		model.Architecture = architecture
		model.Metrics = metrics
		model.Status = StatusEvaluating
		reg.Models[versionID] = model
		found = true
		return nil
	})
	return found, err
}

// GetModel returns versionID's catalog entry, or false if it isn't registered.
func (r *Registry) GetModel(versionID string) (Model, bool, error) {
	reg, err := r.load()
	if err != nil {
		return Model{}, false, err
	}
	model, ok := reg.Models[versionID]
	if !ok {
		return Model{}, false, nil
	}
	model.VersionID = versionID
	return model, true, nil
}

// GetProductionModel returns the current production model, or false
// if none is set.
func (r *Registry) GetProductionModel() (Model, bool, error) {
	reg, err := r.load()
	if err != nil {
		return Model{}, false, err
	}
	if reg.CurrentProduction == "" {
		return Model{}, false, nil
	}
	model, ok := reg.Models[reg.CurrentProduction]
	if !ok {
		return Model{}, false, nil
	}
	model.VersionID = reg.CurrentProduction
	return model, true, nil
}

// PromoteModel promotes versionID to production: archives the current
// production model (moving its file under paths.ArchiveDir) and copies
// versionID's file into paths.ProductionDir. Reports false if
// versionID isn't registered.
func (r *Registry) PromoteModel(versionID string) (bool, error) {
	found := false
	err := r.withLock(func(reg *registryFile) error {
		if _, ok := reg.Models[versionID]; !ok {
			return nil
		}
		found = true

		if oldProd := reg.CurrentProduction; oldProd != "" {
			if oldModel, ok := reg.Models[oldProd]; ok {
				oldModel.Status = StatusArchived
				if oldModel.Path != "" {
					if archivedPath, moved, err := r.archiveFile(oldProd, oldModel.Path); err != nil {
						return err
					} else if moved {
						oldModel.Path = archivedPath
					}
				}
				reg.Models[oldProd] = oldModel
			}
		}

		model := reg.Models[versionID]
		model.Status = StatusProduction
		reg.CurrentProduction = versionID

		if prodPath, moved, err := r.copyToProduction(model.Path); err != nil {
			return err
		} else if moved {
			model.ProductionPath = prodPath
		}
		reg.Models[versionID] = model
		return nil
	})
	return found, err
}

func (r *Registry) archiveFile(versionID, path string) (string, bool, error) {
	if r.paths.ArchiveDir == "" {
		return "", false, nil
	}
	if _, err := os.Stat(path); err != nil {
		return "", false, nil
	}
	dest := filepath.Join(r.paths.ArchiveDir, versionID, filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", false, alerrors.FailedToWithDetails("create archive directory", "modelregistry", versionID, err)
	}
	if err := os.Rename(path, dest); err != nil {
		return "", false, alerrors.FailedToWithDetails("archive model file", "modelregistry", versionID, err)
	}
	return dest, true, nil
}

func (r *Registry) copyToProduction(path string) (string, bool, error) {
	if r.paths.ProductionDir == "" {
		return "", false, nil
	}
	if _, err := os.Stat(path); err != nil {
		return "", false, nil
	}
	if withinDir(path, r.paths.ProductionDir) {
		return "", false, nil
	}
	dest := filepath.Join(r.paths.ProductionDir, "model.pt")
	if err := os.MkdirAll(r.paths.ProductionDir, 0o755); err != nil {
		return "", false, alerrors.FailedToWithDetails("create production directory", "modelregistry", path, err)
	}
	if err := copyFile(path, dest); err != nil {
		return "", false, err
	}
	return dest, true, nil
}

func withinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return alerrors.FailedToWithDetails("read model file", "modelregistry", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return alerrors.FailedToWithDetails("write production model file", "modelregistry", dst, err)
	}
	return nil
}

// SetActiveInferenceModel points the active-inference pointer at
// versionID, independent of current_production. Reports false if
// versionID isn't registered.
func (r *Registry) SetActiveInferenceModel(versionID, path string) (bool, error) {
	found := false
	err := r.withLock(func(reg *registryFile) error {
		if _, ok := reg.Models[versionID]; !ok {
			return nil
		}
		reg.ActiveInference = &ActiveInference{VersionID: versionID, Path: path}
		found = true
		return nil
	})
	return found, err
}

// GetActiveInferenceModel returns the model the active-inference
// pointer names, or false if unset or dangling.
func (r *Registry) GetActiveInferenceModel() (Model, bool, error) {
	reg, err := r.load()
	if err != nil {
		return Model{}, false, err
	}
	if reg.ActiveInference == nil || reg.ActiveInference.VersionID == "" {
		return Model{}, false, nil
	}
	model, ok := reg.Models[reg.ActiveInference.VersionID]
	if !ok {
		return Model{}, false, nil
	}
	model.VersionID = reg.ActiveInference.VersionID
	return model, true, nil
}

// RollbackTo promotes a previously archived (or currently production)
// version back to production, reusing PromoteModel's move protocol.
// Reports false if versionID isn't registered or isn't in a
// rollback-eligible status.
func (r *Registry) RollbackTo(versionID string) (bool, error) {
	model, ok, err := r.GetModel(versionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if model.Status != StatusArchived && model.Status != StatusProduction {
		return false, nil
	}
	return r.PromoteModel(versionID)
}

// ListModels returns every registered model, optionally filtered by
// status, sorted newest-created first.
func (r *Registry) ListModels(status Status) ([]Model, error) {
	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	models := make([]Model, 0, len(reg.Models))
	for versionID, model := range reg.Models {
		if status != "" && model.Status != status {
			continue
		}
		model.VersionID = versionID
		models = append(models, model)
	}
	sort.Slice(models, func(i, j int) bool {
		return models[i].CreatedAt > models[j].CreatedAt
	})
	return models, nil
}

// DeleteModel removes versionID from the catalog and deletes its
// backing file. Refuses to delete the current production model.
func (r *Registry) DeleteModel(versionID string) (bool, error) {
	deleted := false
	err := r.withLock(func(reg *registryFile) error {
		model, ok := reg.Models[versionID]
		if !ok {
			return nil
		}
		if reg.CurrentProduction == versionID {
			return nil
		}
		if model.Path != "" {
			os.Remove(model.Path)
		}
		delete(reg.Models, versionID)
		deleted = true
		return nil
	})
	return deleted, err
}
