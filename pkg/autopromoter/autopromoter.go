// Package autopromoter implements candidate-vs-production comparison,
// automatic and manual promotion, rollback, and production health
// checks (spec component C9). Grounded in
// original_source/AllCare/backserver/auto_promote.py, reproduced
// field-for-field against pkg/modelregistry and pkg/eventlog.
package autopromoter

import (
	"fmt"

	"github.com/allcare-health/al-backend/pkg/eventlog"
	"github.com/allcare-health/al-backend/pkg/modelregistry"
)

// AutoPromoter compares candidate models against the current
// production model and drives promotion/rollback through the model
// registry, logging every decision to the event log.
type AutoPromoter struct {
	registry *modelregistry.Registry
	events   *eventlog.Log
}

// New builds an AutoPromoter wired to registry and events.
func New(registry *modelregistry.Registry, events *eventlog.Log) *AutoPromoter {
	return &AutoPromoter{registry: registry, events: events}
}

func metricValue(metrics map[string]interface{}, key string) float64 {
	v, ok := metrics[key]
	if !ok {
		return 0.0
	}
	if f, ok := v.(float64); ok {
		return f
	}
	return 0.0
}

// CompareModels compares candidateID's metric against production's,
// returning whether it should be promoted plus both values.
func (a *AutoPromoter) CompareModels(candidateID, metricKey string, threshold float64) (shouldPromote bool, candidateValue, productionValue float64, err error) {
	candidate, ok, err := a.registry.GetModel(candidateID)
	if err != nil {
		return false, 0, 0, err
	}
	if !ok {
		return false, 0, 0, nil
	}
	candidateValue = metricValue(candidate.Metrics, metricKey)

	production, prodOK, err := a.registry.GetProductionModel()
	if err != nil {
		return false, 0, 0, err
	}
	if !prodOK {
		// No production model: any candidate is better.
		return true, candidateValue, 0.0, nil
	}
	productionValue = metricValue(production.Metrics, metricKey)
	shouldPromote = candidateValue > (productionValue + threshold)
	return shouldPromote, candidateValue, productionValue, nil
}

// EvaluationResult is the outcome of EvaluateAndPromote.
type EvaluationResult struct {
	Success            bool
	Error              string
	VersionID          string
	CandidateValue     float64
	ProductionValue    float64
	Metric             string
	Improvement        float64
	MeetsThreshold     bool
	Promoted           bool
	PreviousProduction string
	Reason             string
}

// EvaluateAndPromote compares versionID against production and, when
// autoPromote is true and the comparison clears minImprovement,
// promotes it. A candidate that does not clear minImprovement is
// archived; one that clears it while autoPromote is false is only
// reported and keeps its status.
func (a *AutoPromoter) EvaluateAndPromote(versionID, metricKey string, minImprovement float64, autoPromote bool) (EvaluationResult, error) {
	if metricKey == "" {
		metricKey = "val_accuracy"
	}
	_, ok, err := a.registry.GetModel(versionID)
	if err != nil {
		return EvaluationResult{}, err
	}
	if !ok {
		return EvaluationResult{Success: false, Error: fmt.Sprintf("Model %s not found", versionID)}, nil
	}

	shouldPromote, candidateValue, productionValue, err := a.CompareModels(versionID, metricKey, minImprovement)
	if err != nil {
		return EvaluationResult{}, err
	}

	result := EvaluationResult{
		Success:         true,
		VersionID:       versionID,
		CandidateValue:  candidateValue,
		ProductionValue: productionValue,
		Metric:          metricKey,
		Improvement:     candidateValue - productionValue,
		MeetsThreshold:  shouldPromote,
	}

	switch {
	case shouldPromote && autoPromote:
		production, prodOK, err := a.registry.GetProductionModel()
		if err != nil {
			return EvaluationResult{}, err
		}
		oldVersion := ""
		if prodOK {
			oldVersion = production.VersionID
		}

		promoted, err := a.registry.PromoteModel(versionID)
		if err != nil {
			return EvaluationResult{}, err
		}
		if promoted {
			result.Promoted = true
			result.PreviousProduction = oldVersion
			if _, err := a.events.LogModelPromoted(versionID, candidateValue); err != nil {
				return EvaluationResult{}, err
			}
		} else {
			result.Success = false
			result.Error = "Promotion failed"
		}

	case !shouldPromote:
		if _, err := a.registry.UpdateModelStatus(versionID, modelregistry.StatusArchived); err != nil {
			return EvaluationResult{}, err
		}
		result.Reason = fmt.Sprintf("Candidate (%.4f) did not improve over production (%.4f) by required threshold (%g)",
			candidateValue, productionValue, minImprovement)
	}

	return result, nil
}

// ManualPromoteResult is the outcome of ManualPromote.
type ManualPromoteResult struct {
	Success            bool
	Error              string
	VersionID          string
	PreviousProduction string
	Reason             string
}

// ManualPromote promotes versionID to production regardless of
// metric comparison, for an admin-initiated override.
func (a *AutoPromoter) ManualPromote(versionID, reason string) (ManualPromoteResult, error) {
	if reason == "" {
		reason = "Manual promotion"
	}
	model, ok, err := a.registry.GetModel(versionID)
	if err != nil {
		return ManualPromoteResult{}, err
	}
	if !ok {
		return ManualPromoteResult{Success: false, Error: fmt.Sprintf("Model %s not found", versionID)}, nil
	}

	production, prodOK, err := a.registry.GetProductionModel()
	if err != nil {
		return ManualPromoteResult{}, err
	}
	oldVersion := ""
	if prodOK {
		oldVersion = production.VersionID
	}

	promoted, err := a.registry.PromoteModel(versionID)
	if err != nil {
		return ManualPromoteResult{}, err
	}
	if !promoted {
		return ManualPromoteResult{Success: false, Error: "Promotion failed"}, nil
	}

	accuracy := metricValue(model.Metrics, "val_accuracy")
	if _, err := a.events.LogEvent(eventlog.ModelPromoted,
		fmt.Sprintf("Model %s manually promoted: %s", versionID, reason),
		map[string]interface{}{"version_id": versionID, "accuracy": accuracy, "reason": reason}); err != nil {
		return ManualPromoteResult{}, err
	}

	return ManualPromoteResult{Success: true, VersionID: versionID, PreviousProduction: oldVersion, Reason: reason}, nil
}

// RollbackResult is the outcome of TriggerRollback.
type RollbackResult struct {
	Success     bool
	Error       string
	FromVersion string
	ToVersion   string
	Reason      string
}

// TriggerRollback rolls production back to toVersion, or to the most
// recently archived model when toVersion is empty.
func (a *AutoPromoter) TriggerRollback(toVersion, reason string) (RollbackResult, error) {
	if reason == "" {
		reason = "Manual rollback"
	}
	currentProd, ok, err := a.registry.GetProductionModel()
	if err != nil {
		return RollbackResult{}, err
	}
	if !ok {
		return RollbackResult{Success: false, Error: "No production model to rollback from"}, nil
	}
	fromVersion := currentProd.VersionID

	if toVersion == "" {
		archived, err := a.registry.ListModels(modelregistry.StatusArchived)
		if err != nil {
			return RollbackResult{}, err
		}
		if len(archived) == 0 {
			return RollbackResult{Success: false, Error: "No archived models available for rollback"}, nil
		}
		toVersion = archived[0].VersionID
	} else if _, found, err := a.registry.GetModel(toVersion); err != nil {
		return RollbackResult{}, err
	} else if !found {
		return RollbackResult{Success: false, Error: fmt.Sprintf("Target model %s not found", toVersion)}, nil
	}

	rolledBack, err := a.registry.RollbackTo(toVersion)
	if err != nil {
		return RollbackResult{}, err
	}
	if !rolledBack {
		return RollbackResult{Success: false, Error: "Rollback failed"}, nil
	}

	if _, err := a.events.LogModelRollback(fromVersion, toVersion, reason); err != nil {
		return RollbackResult{}, err
	}

	return RollbackResult{Success: true, FromVersion: fromVersion, ToVersion: toVersion, Reason: reason}, nil
}

// HealthStatus reports whether the current production model is
// present and serving.
type HealthStatus struct {
	Healthy         bool
	Reason          string
	ProductionModel string
	Architecture    string
	Metrics         map[string]interface{}
	DeployedAt      string
}

// CheckProductionHealth reports the production model's presence and
// metrics. This is a placeholder health check, matching the
// original's scope — it does not inspect prediction-confidence
// distributions, error rates, or latency.
func (a *AutoPromoter) CheckProductionHealth() (HealthStatus, error) {
	production, ok, err := a.registry.GetProductionModel()
	if err != nil {
		return HealthStatus{}, err
	}
	if !ok {
		return HealthStatus{Healthy: false, Reason: "No production model deployed"}, nil
	}
	architecture := production.Architecture
	if architecture == "" {
		architecture = "unknown"
	}
	return HealthStatus{
		Healthy:         true,
		ProductionModel: production.VersionID,
		Architecture:    architecture,
		Metrics:         production.Metrics,
		DeployedAt:      production.CreatedAt,
	}, nil
}

// GetPromotionCandidates returns every model awaiting promotion
// evaluation (status=evaluating).
func (a *AutoPromoter) GetPromotionCandidates() ([]modelregistry.Model, error) {
	return a.registry.ListModels(modelregistry.StatusEvaluating)
}

// AutoEvaluateCandidates evaluates (and, where warranted, promotes)
// every model currently awaiting evaluation.
func (a *AutoPromoter) AutoEvaluateCandidates(metricKey string, minImprovement float64) ([]EvaluationResult, error) {
	candidates, err := a.GetPromotionCandidates()
	if err != nil {
		return nil, err
	}
	results := make([]EvaluationResult, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := a.EvaluateAndPromote(candidate.VersionID, metricKey, minImprovement, true)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}
