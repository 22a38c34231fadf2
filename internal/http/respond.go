package httpx

import (
	"encoding/json"
	"net/http"
)

// Every handler replies in JSON, errors included, so clients never have to
// sniff the content type. Encode failures after WriteHeader are not
// recoverable and are dropped.

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
