package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/allcare-health/al-backend/pkg/casestore"
	"github.com/allcare-health/al-backend/pkg/uncertainty"
)

// handleNextCaseID implements POST /cases/next-id.
func (s *Server) handleNextCaseID(w http.ResponseWriter, r *http.Request) {
	userID := contextAuth(r).UserID
	caseID, err := s.cases.NextCaseID(userID)
	if err != nil {
		writeError(w, internalErr("allocate case id: %s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"case_id": caseID})
}

// handleReleaseCaseID implements POST /cases/release-id.
func (s *Server) handleReleaseCaseID(w http.ResponseWriter, r *http.Request) {
	var req releaseCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	userID := contextAuth(r).UserID
	result, err := s.cases.ReleaseCaseID(userID, req.CaseID)
	if err != nil {
		writeError(w, badInput("%s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": result.Status, "reason": result.Reason})
}

// handleCheckImage implements POST /check-image (multipart upload):
// blur-gate, classify, persist the image and its ledger entry. 503
// (unavailable) when the deployment hasn't wired a Classifier or
// BlurScorer, matching spec §7's "TrainerBackend absent" treatment
// generalized to the other opaque collaborators.
func (s *Server) handleCheckImage(w http.ResponseWriter, r *http.Request) {
	if s.blur == nil || s.classifier == nil {
		writeError(w, unavailable("image classification is not configured on this deployment"))
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, badInput("malformed multipart upload: %s", err.Error()))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, badInput("missing file field: %s", err.Error()))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, internalErr("read uploaded file: %s", err.Error()))
		return
	}

	identity := contextAuth(r)
	caseID := strings.TrimSpace(r.FormValue("case_id"))

	blurScore, err := s.blur.Score(data)
	if err != nil {
		writeError(w, internalErr("score image: %s", err.Error()))
		return
	}

	if blurScore < s.cfg.Storage.BlurThreshold {
		if s.metrics != nil {
			s.metrics.uploadsTotal.WithLabelValues("fail").Inc()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "fail",
			"message":     "image is too blurry",
			"blur_score":  blurScore,
			"predictions": []interface{}{},
			"case_id":     caseID,
			"user_id":     identity.UserID,
			"user_role":   string(identity.Role),
		})
		return
	}

	predictions, err := s.classifier.Classify(r.Context(), data)
	if err != nil {
		writeError(w, internalErr("classify image: %s", err.Error()))
		return
	}

	imageID, _, err := s.cases.SaveImage(identity.UserID, data)
	if err != nil {
		writeError(w, internalErr("save image: %s", err.Error()))
		return
	}

	payload := casestore.Entry{
		"image_id":    imageID,
		"blur_score":  blurScore,
		"predictions": predictions,
		"status":      "success",
	}
	if caseID != "" {
		payload["case_id"] = caseID
	}
	entry, err := s.cases.LogCaseEntry(payload, casestore.EntryTypeImage, "success", identity.UserID, string(identity.Role))
	if err != nil {
		writeError(w, internalErr("log image entry: %s", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.uploadsTotal.WithLabelValues("success").Inc()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "success",
		"message":     "image accepted",
		"blur_score":  blurScore,
		"predictions": predictions,
		"image_id":    imageID,
		"case_id":     entry.CaseID(),
		"user_id":     identity.UserID,
		"user_role":   string(identity.Role),
	})
}

// visibleEntries returns every ledger entry the caller's role may see:
// admins and doctors see every user's cases, gp sees only their own
// (spec §6 role gates).
func (s *Server) visibleEntries(r *http.Request) ([]casestore.Entry, error) {
	identity := contextAuth(r)
	if identity.CanViewAllCases() {
		return s.cases.ReadAllEntries()
	}
	return s.cases.ReadUserEntries(identity.UserID)
}

// handleListCases implements GET /cases.
func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	entries, err := s.visibleEntries(r)
	if err != nil {
		writeError(w, internalErr("read cases: %s", err.Error()))
		return
	}

	allowed := map[string]bool{casestore.EntryTypeCase: true}
	if truthyParam(r, "include_uncertain") {
		allowed[casestore.EntryTypeUncertain] = true
	}
	if truthyParam(r, "include_rejected") {
		allowed[casestore.EntryTypeReject] = true
	}
	status := r.URL.Query().Get("status")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	var filtered []casestore.Entry
	for _, e := range entries {
		if casestore.ShouldIncludeEntry(e, allowed, status) {
			filtered = append(filtered, e)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cases": filtered})
}

func truthyParam(r *http.Request, name string) bool {
	v := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name)))
	return v == "1" || v == "true" || v == "yes"
}

// logSummary is the shared body of POST /cases, /cases/uncertain, and
// /cases/reject: each posts a case summary entry of a different
// entry_type/status pair (spec §4.1 upsert_case_summary).
func (s *Server) logSummary(w http.ResponseWriter, r *http.Request, entryType, defaultStatus string) {
	var payload casestore.Entry
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	identity := contextAuth(r)
	entry, err := s.cases.LogCaseEntry(payload, entryType, defaultStatus, identity.UserID, string(identity.Role))
	if err != nil {
		writeError(w, internalErr("log case entry: %s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"case_id":     entry.CaseID(),
		"case_status": entry.Status(),
	})
}

// handleCreateCase implements POST /cases.
func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	s.logSummary(w, r, casestore.EntryTypeCase, "pending")
}

// handleCreateUncertain implements POST /cases/uncertain.
func (s *Server) handleCreateUncertain(w http.ResponseWriter, r *http.Request) {
	s.logSummary(w, r, casestore.EntryTypeUncertain, "pending")
}

// handleRejectCase implements POST /cases/reject.
func (s *Server) handleRejectCase(w http.ResponseWriter, r *http.Request) {
	var payload casestore.Entry
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	identity := contextAuth(r)
	if _, err := s.cases.LogCaseEntry(payload, casestore.EntryTypeReject, "rejected", identity.UserID, string(identity.Role)); err != nil {
		writeError(w, internalErr("log rejection: %s", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.rejectionsTotal.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpdateCase implements PUT /cases/{id}: the caller's own
// ledger, or (admin only) any user's ledger (spec §6: "any (admin for
// other users)").
func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")
	var patch casestore.Entry
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	identity := contextAuth(r)
	var entry casestore.Entry
	var err error
	if identity.IsAdmin() {
		entry, err = s.cases.UpdateCaseAcrossUsers(caseID, patch)
	} else {
		entry, err = s.cases.UpdateCaseInUserStorage(identity.UserID, caseID, patch)
	}
	if err != nil {
		writeError(w, internalErr("update case: %s", err.Error()))
		return
	}
	if entry == nil {
		writeError(w, notFound("case %s not found", caseID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "case_id": entry.CaseID()})
}

// handleLabelCase implements POST /cases/{id}/label (non-gp only).
func (s *Server) handleLabelCase(w http.ResponseWriter, r *http.Request) {
	identity := contextAuth(r)
	if !identity.CanLabel() {
		writeError(w, forbidden("role %s may not submit labels", identity.Role))
		return
	}

	var req labelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	caseID := chi.URLParam(r, "id")
	entry, err := s.cases.SubmitLabel(identity.UserID, caseID, req.CorrectLabel, req.Notes)
	if err != nil {
		writeError(w, notFound("%s", err.Error()))
		return
	}

	if _, err := s.labels.AddLabel(caseID, entry.ImagePaths(), req.CorrectLabel, identity.UserID); err != nil {
		writeError(w, internalErr("record label: %s", err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"case_id":       caseID,
		"correct_label": req.CorrectLabel,
	})
}

// handleAnnotateCase implements POST /cases/{id}/annotations (non-gp
// only): attaches per-image annotation data and a correction label to
// a case, optionally on another user's ledger when case_user_id is
// supplied by an admin/doctor reviewer.
func (s *Server) handleAnnotateCase(w http.ResponseWriter, r *http.Request) {
	identity := contextAuth(r)
	if !identity.CanLabel() {
		writeError(w, forbidden("role %s may not submit annotations", identity.Role))
		return
	}

	var req annotationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	caseID := chi.URLParam(r, "id")
	targetUser := identity.UserID
	if req.CaseUserID != "" && identity.CanViewAllCases() {
		targetUser = req.CaseUserID
	}

	patch := casestore.Entry{
		"correct_label": req.CorrectLabel,
		"annotations":   req.Annotations,
		"image_index":   req.ImageIndex,
		"labeled_by":    identity.UserID,
	}
	if req.Notes != "" {
		patch["label_notes"] = req.Notes
	}
	if req.AnnotatedAt != "" {
		patch["labeled_at"] = req.AnnotatedAt
	}

	entry, err := s.cases.AnnotateCaseInUserStorage(targetUser, caseID, patch)
	if err != nil {
		writeError(w, internalErr("annotate case: %s", err.Error()))
		return
	}
	if entry == nil && req.CaseUserID == "" && identity.CanViewAllCases() {
		entry, err = s.cases.AnnotateCaseAcrossUsers(caseID, patch)
		if err != nil {
			if errors.Is(err, casestore.ErrAmbiguousCase) {
				writeError(w, conflictErr("%s", err.Error()))
				return
			}
			writeError(w, internalErr("annotate case: %s", err.Error()))
			return
		}
	}
	if entry == nil {
		writeError(w, notFound("rejected case %s not found", caseID))
		return
	}

	if _, err := s.labels.AddLabel(caseID, entry.ImagePaths(), req.CorrectLabel, identity.UserID); err != nil {
		writeError(w, internalErr("record label: %s", err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"case_id":       caseID,
		"correct_label": req.CorrectLabel,
	})
}

// handleCandidates implements POST /active-learning/candidates: groups
// visible ledger entries into per-case image sets and runs the
// uncertainty sampler over them.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	var req candidatesRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.AL.CandidatesTopK
	}
	allowedTypes := map[string]bool{casestore.EntryTypeCase: true, casestore.EntryTypeUncertain: true}
	if req.EntryType != "" {
		allowedTypes = map[string]bool{req.EntryType: true}
	}

	entries, err := s.visibleEntries(r)
	if err != nil {
		writeError(w, internalErr("read cases: %s", err.Error()))
		return
	}

	cases := buildUncertaintyCases(entries, allowedTypes, req.Status, req.IncludeLabeled)
	candidates := uncertainty.GetActiveLearningCandidates(cases, topK)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidates":        candidates.Items,
		"total_candidates":  candidates.TotalCandidates,
		"selection_method":  candidates.SelectionMethod,
		"description":       candidates.Description,
	})
}

// buildUncertaintyCases groups image entries under their case summary
// (spec §4.6: "a set of cases, each bearing a sequence of images").
func buildUncertaintyCases(entries []casestore.Entry, allowedTypes map[string]bool, status string, includeLabeled bool) []uncertainty.Case {
	imagesByCase := map[string][]uncertainty.Image{}
	for _, e := range entries {
		if e.EntryType() != casestore.EntryTypeImage {
			continue
		}
		imagesByCase[e.CaseID()] = append(imagesByCase[e.CaseID()], uncertainty.Image{Predictions: toUncertaintyPredictions(e["predictions"])})
	}

	var cases []uncertainty.Case
	for _, e := range entries {
		if !casestore.ShouldIncludeEntry(e, allowedTypes, status) {
			continue
		}
		if !includeLabeled && e.CorrectLabel() != "" {
			continue
		}
		cases = append(cases, uncertainty.Case{
			ID:          e.CaseID(),
			Images:      imagesByCase[e.CaseID()],
			Predictions: toUncertaintyPredictions(e["predictions"]),
		})
	}
	return cases
}

func toUncertaintyPredictions(raw interface{}) []uncertainty.Prediction {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]uncertainty.Prediction, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		label, _ := m["label"].(string)
		confidence, _ := m["confidence"].(float64)
		out = append(out, uncertainty.Prediction{Label: label, Confidence: confidence})
	}
	return out
}
