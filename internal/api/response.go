package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v as a JSON response body with the given status code,
// the same Content-Type/WriteHeader/Encode sequence upload_handler.go
// already spells out inline at each of its response sites.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a {"error": message} JSON body with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
