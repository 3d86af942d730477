package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// errorKind is the spec's error taxonomy (§7), mapped to an HTTP
// status at the response boundary.
type errorKind string

const (
	kindBadInput     errorKind = "bad_input"
	kindUnauthorized errorKind = "unauthorized"
	kindForbidden    errorKind = "forbidden"
	kindNotFound     errorKind = "not_found"
	kindConflict     errorKind = "conflict"
	kindUnavailable  errorKind = "unavailable"
	kindInternal     errorKind = "internal"
)

var kindStatus = map[errorKind]int{
	kindBadInput:     http.StatusBadRequest,
	kindUnauthorized: http.StatusUnauthorized,
	kindForbidden:    http.StatusForbidden,
	kindNotFound:     http.StatusNotFound,
	kindConflict:     http.StatusConflict,
	kindUnavailable:  http.StatusServiceUnavailable,
	kindInternal:     http.StatusInternalServerError,
}

// apiError is the machine-readable kind plus human sentence every
// user-visible failure carries (spec §7: "never include stack
// traces; they include a short machine-readable kind and a human
// sentence").
type apiError struct {
	Kind    errorKind `json:"error"`
	Message string    `json:"message"`
}

func (e apiError) Error() string { return e.Message }

func badInput(format string, a ...interface{}) apiError {
	return apiError{Kind: kindBadInput, Message: sprintf(format, a...)}
}

func notFound(format string, a ...interface{}) apiError {
	return apiError{Kind: kindNotFound, Message: sprintf(format, a...)}
}

func forbidden(format string, a ...interface{}) apiError {
	return apiError{Kind: kindForbidden, Message: sprintf(format, a...)}
}

func conflictErr(format string, a ...interface{}) apiError {
	return apiError{Kind: kindConflict, Message: sprintf(format, a...)}
}

func unavailable(format string, a ...interface{}) apiError {
	return apiError{Kind: kindUnavailable, Message: sprintf(format, a...)}
}

func internalErr(format string, a ...interface{}) apiError {
	return apiError{Kind: kindInternal, Message: sprintf(format, a...)}
}

func sprintf(format string, a ...interface{}) string {
	if len(a) == 0 {
		return format
	}
	return fmt.Sprintf(format, a...)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(apiError)
	if !ok {
		apiErr = internalErr("%s", err.Error())
	}
	status, ok := kindStatus[apiErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, apiErr)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badInput("malformed request body: %s", err.Error())
	}
	return nil
}
