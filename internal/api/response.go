package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	mw "github.com/shiftline/shiftline/internal/api/middleware"
)

// envelope wraps every portal payload as { "data": ..., "error": ... } so
// clients branch on one shape regardless of endpoint.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON responds with the payload wrapped in the portal envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("encoding portal response", "error", err)
	}
}

// writeError responds with an envelope-shaped error. The session and
// rate-limit middleware emit the identical shape through mw.WriteError,
// so every failure a portal client sees decodes the same way.
func writeError(w http.ResponseWriter, status int, msg string) {
	mw.WriteError(w, status, msg)
}
