package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/allcare-health/al-backend/pkg/eventlog"
	"github.com/allcare-health/al-backend/pkg/modelregistry"
	"github.com/allcare-health/al-backend/pkg/retrainer"
	"github.com/allcare-health/al-backend/pkg/trainingconfig"
)

// trainingConfigResponse pairs the active configuration with the
// built-in defaults so an admin UI can render both.
type trainingConfigResponse struct {
	Config   trainingconfig.Config `json:"config"`
	Defaults trainingconfig.Config `json:"defaults"`
}

// handleGetTrainingConfig implements GET /admin/training-config.
func (s *Server) handleGetTrainingConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, trainingConfigResponse{
		Config:   s.trainCfg.Load(),
		Defaults: trainingconfig.Default(),
	})
}

// handleUpdateTrainingConfig implements POST /admin/training-config: a
// partial patch merged over the active configuration, validated before
// it is persisted (spec §4.5).
func (s *Server) handleUpdateTrainingConfig(w http.ResponseWriter, r *http.Request) {
	var overrides map[string]interface{}
	if err := decodeJSON(r, &overrides); err != nil {
		writeError(w, err)
		return
	}

	merged := trainingconfig.Merge(s.trainCfg.Load(), overrides)
	if violations := trainingconfig.Validate(merged); len(violations) > 0 {
		writeError(w, badInput("invalid training configuration: %v", violations))
		return
	}
	if err := s.trainCfg.Save(merged); err != nil {
		writeError(w, internalErr("save training config: %s", err.Error()))
		return
	}
	if _, err := s.events.LogConfigUpdated(overrides); err != nil {
		s.log.WithError(err).Warn("failed to log config_updated event")
	}

	writeJSON(w, http.StatusOK, trainingConfigResponse{
		Config:   merged,
		Defaults: trainingconfig.Default(),
	})
}

// handleListModels implements GET /admin/models?status=.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	status := modelregistry.Status(r.URL.Query().Get("status"))
	models, err := s.registry.ListModels(status)
	if err != nil {
		writeError(w, internalErr("list models: %s", err.Error()))
		return
	}
	production, hasProduction, err := s.registry.GetProductionModel()
	if err != nil {
		writeError(w, internalErr("read production model: %s", err.Error()))
		return
	}

	resp := map[string]interface{}{
		"models": models,
		"total":  len(models),
	}
	if hasProduction {
		resp["current_production"] = production
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePromoteModel implements POST /admin/models/{version}/promote.
func (s *Server) handlePromoteModel(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "version")
	var req promoteRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	result, err := s.promoter.ManualPromote(versionID, req.Reason)
	if err != nil {
		writeError(w, internalErr("promote model: %s", err.Error()))
		return
	}
	if !result.Success {
		writeError(w, badInput("%s", result.Error))
		return
	}
	if s.metrics != nil {
		s.metrics.modelPromotions.Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRollbackModel implements POST /admin/models/{version}/rollback.
func (s *Server) handleRollbackModel(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "version")
	var req rollbackRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	result, err := s.promoter.TriggerRollback(versionID, req.Reason)
	if err != nil {
		writeError(w, internalErr("roll back model: %s", err.Error()))
		return
	}
	if !result.Success {
		writeError(w, badInput("%s", result.Error))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTriggerRetrain implements POST /admin/retrain/trigger: enqueues
// a retrain run on the single-slot background worker and returns a
// "started" acknowledgement immediately (spec §5 "long-running
// operations ... run on a dedicated worker task so request handlers
// do not block on them; retrain requests return a started
// acknowledgement ... progress is polled via status endpoints").
func (s *Server) handleTriggerRetrain(w http.ResponseWriter, r *http.Request) {
	var req retrainTriggerRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	if !req.Force {
		unused, err := s.labels.GetUnusedLabelCount()
		if err != nil {
			writeError(w, internalErr("count unused labels: %s", err.Error()))
			return
		}
		if unused < s.cfg.AL.RetrainMinNewLabels {
			writeError(w, badInput("only %d unused labels, need %d to retrain", unused, s.cfg.AL.RetrainMinNewLabels))
			return
		}
	}

	architecture := req.Architecture
	if architecture == "" {
		architecture = s.cfg.AL.DefaultArchitecture
	}

	started := s.retrains.tryStart(s.retrainer, s.promoter, retrainer.Options{Architecture: architecture}, func(promoted bool) {
		if promoted && s.metrics != nil {
			s.metrics.modelPromotions.Inc()
		}
	})
	if !started {
		writeError(w, unavailable("a retrain job is already in progress"))
		return
	}
	if s.metrics != nil {
		s.metrics.retrainTriggers.Inc()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "started",
		"architecture": architecture,
		"message":      "model retraining has been started in the background",
	})
}

// handleRetrainStatus implements GET /admin/retrain/status: the
// in-flight or most recent worker run, plus a readiness snapshot
// comparing the unused-label count against the configured trigger
// threshold.
func (s *Server) handleRetrainStatus(w http.ResponseWriter, r *http.Request) {
	unused, err := s.labels.GetUnusedLabelCount()
	if err != nil {
		writeError(w, internalErr("count unused labels: %s", err.Error()))
		return
	}
	total, err := s.labels.GetLabelCount()
	if err != nil {
		writeError(w, internalErr("count labels: %s", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.unusedLabelsGauge.Set(float64(unused))
	}

	running, last := s.retrains.status()
	resp := map[string]interface{}{
		"unused_labels":    unused,
		"total_labels":     total,
		"threshold":        s.cfg.AL.RetrainMinNewLabels,
		"ready_to_retrain": unused >= s.cfg.AL.RetrainMinNewLabels,
		"running":          running,
	}
	if last != nil {
		resp["last_run"] = last
	} else {
		resp["retrain_status"] = "not_started"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListEvents implements GET /admin/events?limit=&event_type=.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	var events []eventlog.Event
	var err error
	if eventType := r.URL.Query().Get("event_type"); eventType != "" {
		events, err = s.events.GetEventsByType(eventlog.Type(eventType), limit)
	} else {
		events, err = s.events.GetRecentEvents(limit)
	}
	if err != nil {
		writeError(w, internalErr("read events: %s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "total": len(events)})
}

// handleLabelCount implements GET /admin/labels/count.
func (s *Server) handleLabelCount(w http.ResponseWriter, r *http.Request) {
	total, err := s.labels.GetLabelCount()
	if err != nil {
		writeError(w, internalErr("count labels: %s", err.Error()))
		return
	}
	unused, err := s.labels.GetUnusedLabelCount()
	if err != nil {
		writeError(w, internalErr("count unused labels: %s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"total": total, "unused": unused})
}

// handleListLabels implements GET /admin/labels.
func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.labels.GetAllLabels()
	if err != nil {
		writeError(w, internalErr("read labels: %s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"labels": labels, "total": len(labels)})
}
