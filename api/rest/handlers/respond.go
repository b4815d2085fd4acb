package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"hpc-orchestrator/core/errs"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind,omitempty"`
}

// StatusFor maps an error kind to an HTTP status code
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuthentication:
		return http.StatusUnauthorized
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState:
		return http.StatusConflict
	case errs.KindDecode:
		return http.StatusUnprocessableEntity
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindRemoteExecution, errs.KindTransfer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), ErrorResponse{Error: err.Error(), Kind: errs.KindOf(err)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: errs.KindValidation})
}

// taskIndex reads the {index} route variable
func taskIndex(r *http.Request) (int, bool) {
	i, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// intParam reads an optional non-negative integer query parameter
func intParam(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
