// Package trainerbackend defines the boundary contract for the actual
// training backend (spec §1 "out of scope", `TrainerBackend`). The
// retraining orchestrator (pkg/retrainer) owns dataset assembly,
// splitting, artifact naming, and registration; this interface is the
// narrow seam where the actual tensor training loop plugs in.
package trainerbackend

import (
	"context"

	"github.com/allcare-health/al-backend/pkg/trainingconfig"
)

// Sample is one training example: an image path plus its resolved
// class index under the label set the base model was built for.
type Sample struct {
	ImagePath  string
	ClassIndex int
}

// Dataset is a stratified train/val split ready for training.
type Dataset struct {
	Train []Sample
	Val   []Sample
	Classes []string
}

// EpochMetrics is one row of the per-epoch training log (spec §4.8
// step 11: "Record per-epoch train/val loss and accuracy").
type EpochMetrics struct {
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	TrainAcc     float64 `json:"train_accuracy"`
	ValLoss      float64 `json:"val_loss"`
	ValAccuracy  float64 `json:"val_accuracy"`
}

// Result is the outcome of one training run.
type Result struct {
	WeightsPath  string
	EpochLog     []EpochMetrics
	BestValAcc   float64
	BestValLoss  float64
}

// Device selects where the backend runs: spec §4.8 step 7's
// "auto|cpu|accelerator" preference.
type Device string

const (
	DeviceAuto        Device = "auto"
	DeviceCPU         Device = "cpu"
	DeviceAccelerator Device = "accelerator"
)

// Backend is the narrow lifecycle contract the Retrainer drives: load
// a base checkpoint for transfer learning, then train against an
// assembled dataset and write the result to outputDir.
type Backend interface {
	// LoadBaseModel resolves the architecture's transfer-learning
	// starting point. force_base_only (spec §4.8 step 8) is decided
	// by the caller; basePath, when non-empty, names a specific
	// checkpoint to prefer (e.g. current production) before falling
	// back to the architecture's configured base or a freshly
	// pretrained equivalent.
	LoadBaseModel(ctx context.Context, architecture string, basePath string, device Device) error

	// Train runs the configured number of epochs of transfer learning
	// against dataset, writing final weights under outputDir, and
	// returns the per-epoch log plus best-epoch metrics.
	Train(ctx context.Context, dataset Dataset, config trainingconfig.Config, outputDir string) (Result, error)
}
