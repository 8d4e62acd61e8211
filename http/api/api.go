// Package api contains helpers for JSON HTTP APIs.
package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

// JSONError encodes err as JSON to w.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	jsonErr := &struct {
		Err string `json:"error"`
	}{Err: err.Error()}
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	JSON(w, jsonErr, statusCode)
}

// JSON encodes v as JSON to w with statusCode.
// A statusCode less than one writes an OK status.
func JSON(w http.ResponseWriter, v interface{}, statusCode int) error {
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusOK
	}
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}
