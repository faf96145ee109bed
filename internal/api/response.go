package api

import (
	"encoding/json"
	"net/http"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
)

// errorBody is the JSON error envelope. Structured errors carry their
// code and fix hint; plain errors degrade to a message.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Fix     string `json:"fix,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error to its HTTP status via the error category.
func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	status := http.StatusInternalServerError

	if oe := orcerrors.AsOrcaError(err); oe != nil {
		status = oe.HTTPStatus()
		body.Error.Code = string(oe.Code)
		body.Error.Message = oe.Error()
		body.Error.Fix = oe.Fix
	} else {
		body.Error.Code = "UNKNOWN"
		body.Error.Message = err.Error()
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	var body errorBody
	body.Error.Code = "BAD_REQUEST"
	body.Error.Message = message
	writeJSON(w, http.StatusBadRequest, body)
}
