package api

import (
	"encoding/json"
	"net/http"
)

// Error is the JSON error body existing clients parse.
type Error struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Messages kept byte-for-byte for existing clients.
const (
	msgInvalidCommand = "Invalid command type. Expected 'toggle'"
	msgInvalidAction  = "Invalid action. Expected 'ON' or 'OFF'"
	msgInvalidPin     = "Invalid GPIO pin"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{Error: true, Message: message, Status: status})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}
