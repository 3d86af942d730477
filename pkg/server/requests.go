package server

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// loginRequest is POST /auth/login's body.
type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// releaseCaseRequest is POST /cases/release-id's body.
type releaseCaseRequest struct {
	CaseID string `json:"case_id" validate:"required"`
}

// labelRequest is POST /cases/{id}/label's body.
type labelRequest struct {
	CorrectLabel string `json:"correct_label" validate:"required"`
	Notes        string `json:"notes"`
}

// annotationRequest is POST /cases/{id}/annotations's body.
type annotationRequest struct {
	ImageIndex   int                    `json:"image_index" validate:"gte=0"`
	CorrectLabel string                 `json:"correct_label" validate:"required"`
	Annotations  map[string]interface{} `json:"annotations"`
	CaseUserID   string                 `json:"case_user_id"`
	Notes        string                 `json:"notes"`
	AnnotatedAt  string                 `json:"annotated_at"`
}

// candidatesRequest is POST /active-learning/candidates's body; every
// field is optional and defaults are applied by the handler.
type candidatesRequest struct {
	TopK           int    `json:"top_k" validate:"gte=0"`
	EntryType      string `json:"entry_type"`
	Status         string `json:"status"`
	IncludeLabeled bool   `json:"include_labeled"`
}

// promoteRequest is POST /admin/models/{v}/promote's body.
type promoteRequest struct {
	Reason string `json:"reason"`
}

// rollbackRequest is POST /admin/models/{v}/rollback's body.
type rollbackRequest struct {
	Reason string `json:"reason"`
}

// retrainTriggerRequest is POST /admin/retrain/trigger's body.
type retrainTriggerRequest struct {
	Architecture string `json:"architecture"`
	Force        bool   `json:"force"`
}

// validateStruct runs go-playground/validator and flattens failures
// into the 400 bad_input shape the spec's error taxonomy names
// ("malformed JSON, validation error list").
func validateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msg := ""
			for i, fe := range verrs {
				if i > 0 {
					msg += "; "
				}
				msg += fe.Field() + " " + fe.Tag()
			}
			return badInput("validation failed: %s", msg)
		}
		return badInput("validation failed: %s", err.Error())
	}
	return nil
}
