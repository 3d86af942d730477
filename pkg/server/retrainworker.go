package server

import (
	"context"
	"sync"
	"time"

	"github.com/allcare-health/al-backend/pkg/autopromoter"
	"github.com/allcare-health/al-backend/pkg/retrainer"
)

// retrainRun is a snapshot of the single in-flight (or most recent)
// retrain job, polled via GET /admin/retrain/status.
type retrainRun struct {
	Status       string                 `json:"status"`
	VersionID    string                 `json:"version_id,omitempty"`
	Architecture string                 `json:"architecture,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Promotion    *autopromoter.EvaluationResult `json:"promotion,omitempty"`
	StartedAt    string                 `json:"started_at,omitempty"`
	FinishedAt   string                 `json:"finished_at,omitempty"`
}

// retrainWorker is the single-slot background task spec §5 requires
// for retraining: the HTTP handler enqueues a job and returns a
// "started" acknowledgement immediately; progress is polled through
// GET /admin/retrain/status. Grounded in
// original_source/AllCare/backserver/back.py's retrain_model_endpoint
// (subprocess.Popen started, process info returned immediately) and
// Always/backserver/retrain_model.py's get_retrain_status (a status
// file polled separately), adapted from a spawned OS process to a
// single in-process goroutine guarded by a busy flag -- at most one
// retrain job runs at a time (spec §5 "GPU/accelerator: at most one
// retrain job uses the device at a time").
type retrainWorker struct {
	mu      sync.Mutex
	running bool
	last    *retrainRun
}

// tryStart begins run in the background if no job is currently
// running, returning false if one already is. A retrain in progress
// is not cancellable by the core (spec §5); if the goroutine panics,
// the deferred recover marks the run failed rather than leaving
// "running" stuck forever.
func (w *retrainWorker) tryStart(rt *retrainer.Retrainer, promoter *autopromoter.AutoPromoter, opts retrainer.Options, onPromotion func(promoted bool)) bool {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return false
	}
	w.running = true
	w.last = &retrainRun{Status: "running", Architecture: opts.Architecture, StartedAt: nowRFC3339()}
	w.mu.Unlock()

	go w.run(rt, promoter, opts, onPromotion)
	return true
}

func (w *retrainWorker) run(rt *retrainer.Retrainer, promoter *autopromoter.AutoPromoter, opts retrainer.Options, onPromotion func(promoted bool)) {
	defer func() {
		if p := recover(); p != nil {
			w.finish(&retrainRun{Status: "failed", Reason: "retrain worker panicked", FinishedAt: nowRFC3339()})
		}
	}()

	result, err := rt.Retrain(context.Background(), opts)
	if err != nil {
		w.finish(&retrainRun{Status: "failed", Reason: err.Error(), FinishedAt: nowRFC3339()})
		return
	}
	if !result.Success {
		w.finish(&retrainRun{Status: "failed", Reason: result.Reason, FinishedAt: nowRFC3339()})
		return
	}

	run := &retrainRun{
		Status:       "completed",
		VersionID:    result.VersionID,
		Architecture: result.Architecture,
		Metrics:      result.Metrics,
		FinishedAt:   nowRFC3339(),
	}
	if evalResult, err := promoter.EvaluateAndPromote(result.VersionID, "accuracy", 0, true); err == nil {
		run.Promotion = &evalResult
		if onPromotion != nil {
			onPromotion(evalResult.Promoted)
		}
	}
	w.finish(run)
}

func (w *retrainWorker) finish(run *retrainRun) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.last = run
}

// status reports the in-flight or most recent run, if any.
func (w *retrainWorker) status() (running bool, last *retrainRun) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running, w.last
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
