// Package retrainer orchestrates a full retraining run (spec
// component C8): dataset assembly from the label pool (or a legacy
// ledger scan), optional experience-replay mixing, a stratified
// train/val split, delegation to a TrainerBackend, registry
// registration, label-usage marking, and event logging. Grounded in
// spec §4.8; the original's richer retrain/replay variant (the one
// the spec calls authoritative) was filtered out of the retrieval
// pack, so the orchestration below is built directly from the spec's
// protocol, using original_source/Always/backserver/retrain_model.py
// (dataset collection from reject entries, device selection, artifact
// naming) and original_source/AllCare/backserver/config.py (the
// architecture enum, label map, force-base-model-only policy) for the
// concrete details it still specifies.
package retrainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/allcare-health/al-backend/internal/config"
	"github.com/allcare-health/al-backend/pkg/casestore"
	"github.com/allcare-health/al-backend/pkg/eventlog"
	"github.com/allcare-health/al-backend/pkg/labelpool"
	"github.com/allcare-health/al-backend/pkg/modelregistry"
	"github.com/allcare-health/al-backend/pkg/replay"
	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
	"github.com/allcare-health/al-backend/pkg/trainerbackend"
	"github.com/allcare-health/al-backend/pkg/trainingconfig"
)

// Retrainer wires the label pool, model registry, event log, and a
// pluggable training backend into one retrain() entry point.
type Retrainer struct {
	cfg         *config.Config
	cases       *casestore.Store
	labels      *labelpool.Pool
	registry    *modelregistry.Registry
	events      *eventlog.Log
	trainConfig *trainingconfig.Store
	backend     trainerbackend.Backend
}

// New builds a Retrainer from its collaborators.
func New(cfg *config.Config, cases *casestore.Store, labels *labelpool.Pool, registry *modelregistry.Registry, events *eventlog.Log, trainConfig *trainingconfig.Store, backend trainerbackend.Backend) *Retrainer {
	return &Retrainer{cfg: cfg, cases: cases, labels: labels, registry: registry, events: events, trainConfig: trainConfig, backend: backend}
}

// Options customizes one retrain() call; every field is optional and
// falls back to the persisted/default value (spec §4.8 step 3: caller
// override > persisted > defaults).
type Options struct {
	Architecture       string
	TrainingOverrides  map[string]interface{}
	EmbeddingExtractor replay.EmbeddingFunc
}

// Result is the structured outcome of one retrain() call.
type Result struct {
	Success      bool
	Reason       string
	VersionID    string
	Architecture string
	Metrics      map[string]interface{}
}

// sample is one assembled (image, label) training example.
type sample struct {
	ImagePath string
	CaseID    string
	Label     string
}

// Retrain runs the full protocol described in spec §4.8 and returns a
// structured result; it never returns an error for ordinary
// insufficient-data or unsupported-architecture outcomes (those are
// reported via Result.Success/Reason), only for unexpected I/O
// failures reading or writing its stores and artifacts.
func (r *Retrainer) Retrain(ctx context.Context, opts Options) (Result, error) {
	architecture := opts.Architecture
	if architecture == "" {
		architecture = r.cfg.AL.DefaultArchitecture
	}
	if !architectureSupported(architecture) {
		return Result{Success: false, Reason: fmt.Sprintf("unsupported architecture %q", architecture)}, nil
	}

	versionID, err := r.registry.GenerateVersionID()
	if err != nil {
		return Result{}, err
	}

	trainConfig := trainingconfig.Merge(r.trainConfig.Load(), opts.TrainingOverrides)

	samples, err := r.collectLabeledSamples()
	if err != nil {
		return Result{}, err
	}
	if len(samples) < r.cfg.AL.RetrainMinNewLabels {
		return Result{
			Success: false,
			Reason: fmt.Sprintf("insufficient labeled samples: have %d, need %d",
				len(samples), r.cfg.AL.RetrainMinNewLabels),
		}, nil
	}

	outputDir := filepath.Join(r.cfg.AL.CandidatesDir, versionID)
	if _, err := r.registry.RegisterModel(versionID, "", trainingConfigFields(trainConfig), outputDir, modelregistry.StatusTraining); err != nil {
		return Result{}, err
	}
	if _, err := r.events.LogTrainingStarted(versionID, trainingConfigFields(trainConfig)); err != nil {
		return Result{}, err
	}

	device := r.selectDevice()
	basePath := r.resolveBasePath(architecture)
	if err := r.backend.LoadBaseModel(ctx, architecture, basePath, device); err != nil {
		r.failTraining(versionID, err.Error())
		return Result{Success: false, Reason: "no base model available", Architecture: architecture}, nil
	}

	var replaySummary replay.Summary
	if r.cfg.Replay.Enabled && opts.EmbeddingExtractor != nil {
		pool, poolErr := r.loadReplayPool()
		if poolErr != nil {
			return Result{}, poolErr
		}
		replaySummary = replay.Select(pool, opts.EmbeddingExtractor, replay.Options{
			Quota:        r.cfg.Replay.Quota,
			HerdingRatio: r.cfg.Replay.HerdingRatio,
			Seed:         r.cfg.Replay.Seed,
		})
	}

	allSamples := append([]sample{}, samples...)
	for _, rs := range replaySummary.Selected {
		allSamples = append(allSamples, sample{ImagePath: rs.ImagePath, Label: labelForClass(r.cfg.AL.LabelMap, rs.ClassIndex)})
	}

	train, val := stratifiedSplit(allSamples, r.cfg.AL.SplitTrainRatio, r.cfg.AL.SplitSeed)

	dataset := trainerbackend.Dataset{Classes: knownLabels(r.cfg.AL.LabelMap)}
	for _, s := range train {
		dataset.Train = append(dataset.Train, trainerbackend.Sample{ImagePath: s.ImagePath, ClassIndex: r.cfg.AL.LabelMap[s.Label]})
	}
	for _, s := range val {
		dataset.Val = append(dataset.Val, trainerbackend.Sample{ImagePath: s.ImagePath, ClassIndex: r.cfg.AL.LabelMap[s.Label]})
	}

	trainResult, err := r.backend.Train(ctx, dataset, trainConfig, outputDir)
	if err != nil {
		r.failTraining(versionID, err.Error())
		return Result{Success: false, Reason: err.Error(), Architecture: architecture}, nil
	}

	weightsName := fmt.Sprintf("[%s] - %s.pt", time.Now().Format("2006-01-02"), architecture)
	finalPath := filepath.Join(outputDir, weightsName)
	if trainResult.WeightsPath != "" && trainResult.WeightsPath != finalPath {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return Result{}, alerrors.FailedToWithDetails("create candidate directory", "retrainer", versionID, err)
		}
		if err := os.Rename(trainResult.WeightsPath, finalPath); err != nil {
			return Result{}, alerrors.FailedToWithDetails("rename trained weights", "retrainer", versionID, err)
		}
	}

	if err := writeTrainingLog(filepath.Join(outputDir, r.cfg.AL.TrainingLogFilename), trainResult.EpochLog); err != nil {
		return Result{}, err
	}

	metrics := map[string]interface{}{
		"val_accuracy":  trainResult.BestValAcc,
		"val_loss":      trainResult.BestValLoss,
		"train_samples": len(train),
		"val_samples":   len(val),
		"replay": map[string]interface{}{
			"herding_count": replaySummary.HerdingCount,
			"random_count":  replaySummary.RandomCount,
			"pool_size":     replaySummary.PoolSize,
		},
	}
	if _, err := r.registry.CompleteTraining(versionID, finalPath, architecture, metrics); err != nil {
		return Result{}, err
	}

	caseIDs := uniqueCaseIDs(samples)
	if _, err := r.labels.MarkLabelsUsed(versionID, caseIDs); err != nil {
		return Result{}, err
	}

	if _, err := r.events.LogTrainingCompleted(versionID, trainResult.BestValAcc, len(allSamples)); err != nil {
		return Result{}, err
	}

	return Result{Success: true, VersionID: versionID, Architecture: architecture, Metrics: metrics}, nil
}

func (r *Retrainer) failTraining(versionID, reason string) {
	r.registry.UpdateModelStatus(versionID, modelregistry.StatusFailed)
	r.events.LogTrainingFailed(versionID, reason)
}

func architectureSupported(architecture string) bool {
	for _, a := range config.SupportedArchitectures {
		if a == architecture {
			return true
		}
	}
	return false
}

// selectDevice resolves the configured device preference; "auto" (and
// any unrecognized value) is passed on as DeviceAuto, since this
// package has no visibility into actual hardware — the TrainerBackend
// implementation is the one that knows whether an accelerator is
// present.
func (r *Retrainer) selectDevice() trainerbackend.Device {
	switch r.cfg.AL.RetrainDevice {
	case "cpu":
		return trainerbackend.DeviceCPU
	case "accelerator":
		return trainerbackend.DeviceAccelerator
	default:
		return trainerbackend.DeviceAuto
	}
}

// resolveBasePath implements spec §4.8 step 8's two policies.
// force_base_only=true always prefers the architecture's configured
// base checkpoint; false prefers the current production model when
// its architecture matches.
func (r *Retrainer) resolveBasePath(architecture string) string {
	if !r.cfg.AL.ForceBaseModelOnly {
		if prod, ok, err := r.registry.GetProductionModel(); err == nil && ok && prod.Architecture == architecture {
			return prod.Path
		}
	}
	return r.cfg.AL.BaseModels[architecture]
}

// collectLabeledSamples gathers training samples from the label pool
// (preferred) or, when empty, a legacy scan of every user's ledger for
// reject entries carrying correct_label + image_paths (spec §4.8 step
// 4), filtered to known labels and files that still exist.
func (r *Retrainer) collectLabeledSamples() ([]sample, error) {
	fromPool, err := r.labels.GetLabelsForTraining()
	if err != nil {
		return nil, err
	}
	samples := make([]sample, 0, len(fromPool))
	for _, s := range fromPool {
		if !r.isKnownLabel(s.Label) || !fileExists(s.ImagePath) {
			continue
		}
		samples = append(samples, sample{ImagePath: s.ImagePath, CaseID: s.CaseID, Label: s.Label})
	}
	if len(samples) > 0 {
		return samples, nil
	}

	entries, err := r.cases.ReadAllEntries()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.EntryType() != casestore.EntryTypeReject {
			continue
		}
		label := entry.CorrectLabel()
		if label == "" || !r.isKnownLabel(label) {
			continue
		}
		for _, path := range entry.ImagePaths() {
			if !fileExists(path) {
				continue
			}
			samples = append(samples, sample{ImagePath: path, CaseID: entry.CaseID(), Label: label})
		}
	}
	return samples, nil
}

func (r *Retrainer) isKnownLabel(label string) bool {
	_, ok := r.cfg.AL.LabelMap[label]
	return ok
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func knownLabels(labelMap map[string]int) []string {
	labels := make([]string, 0, len(labelMap))
	for label := range labelMap {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func labelForClass(labelMap map[string]int, classIndex int) string {
	for label, idx := range labelMap {
		if idx == classIndex {
			return label
		}
	}
	return ""
}

func uniqueCaseIDs(samples []sample) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range samples {
		if s.CaseID == "" || seen[s.CaseID] {
			continue
		}
		seen[s.CaseID] = true
		out = append(out, s.CaseID)
	}
	return out
}

// stratifiedSplit performs spec §4.8 step 10's per-class split:
// ratio `trainRatio` to train, minimum 1 sample in the larger
// partition, single-sample classes stay entirely in train, and the
// val split is topped up from train by one sample if it would
// otherwise be empty while train has 2+.
func stratifiedSplit(samples []sample, trainRatio float64, seed int64) (train, val []sample) {
	byClass := map[string][]sample{}
	var classOrder []string
	for _, s := range samples {
		if _, seen := byClass[s.Label]; !seen {
			classOrder = append(classOrder, s.Label)
		}
		byClass[s.Label] = append(byClass[s.Label], s)
	}
	sort.Strings(classOrder)

	rng := rand.New(rand.NewSource(seed))
	for _, class := range classOrder {
		members := append([]sample{}, byClass[class]...)
		rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })

		if len(members) == 1 {
			train = append(train, members[0])
			continue
		}

		trainCount := int(float64(len(members)) * trainRatio)
		if trainCount < 1 {
			trainCount = 1
		}
		if trainCount > len(members) {
			trainCount = len(members)
		}
		valCount := len(members) - trainCount
		if valCount == 0 && trainCount >= 2 {
			trainCount--
			valCount = 1
		}

		train = append(train, members[:trainCount]...)
		val = append(val, members[trainCount:trainCount+valCount]...)
	}
	return train, val
}

func trainingConfigFields(config trainingconfig.Config) map[string]interface{} {
	return map[string]interface{}{
		"epochs":               config.Epochs,
		"batch_size":           config.BatchSize,
		"learning_rate":        config.LearningRate,
		"optimizer":            config.Optimizer,
		"dropout":              config.Dropout,
		"augmentation_applied": config.AugmentationApplied,
	}
}

// loadReplayPool returns the historical sample pool for experience
// replay. It always returns an empty pool: no CSV manifest or image
// directory is read, so Select has nothing to mix in and the retrain
// runs on the labeled samples alone rather than failing.
func (r *Retrainer) loadReplayPool() ([]replay.Sample, error) {
	return nil, nil
}

func writeTrainingLog(path string, epochs []trainerbackend.EpochMetrics) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create training log directory", "retrainer", path, err)
	}
	data, err := json.MarshalIndent(epochs, "", "  ")
	if err != nil {
		return alerrors.FailedToWithDetails("marshal training log", "retrainer", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return alerrors.FailedToWithDetails("write training log", "retrainer", path, err)
	}
	return nil
}
