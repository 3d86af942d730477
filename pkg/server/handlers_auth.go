package server

import (
	"net/http"

	"github.com/allcare-health/al-backend/pkg/auth"
)

func authContextFromRecord(record auth.UserRecord) auth.Context {
	return auth.Context{
		UserID:    record.UserID,
		Role:      record.Role,
		FirstName: record.FirstName,
		LastName:  record.LastName,
	}
}

type loginUser struct {
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	User        loginUser `json:"user"`
}

// handleLogin implements POST /auth/login: verify username/password
// against the user store and issue a bearer JWT (spec §6, grounded in
// auth.py's login endpoint).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	record, ok, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, internalErr("authenticate user: %s", err.Error()))
		return
	}
	if !ok {
		writeError(w, apiError{Kind: kindUnauthorized, Message: "invalid username or password"})
		return
	}

	token, err := s.issuer.IssueToken(authContextFromRecord(record))
	if err != nil {
		writeError(w, internalErr("issue access token: %s", err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User: loginUser{
			UserID:    record.UserID,
			FirstName: record.FirstName,
			LastName:  record.LastName,
			Role:      string(record.Role),
		},
	})
}
