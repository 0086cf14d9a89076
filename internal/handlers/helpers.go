package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tomertec/sshmanager-sub001/internal/netwatch"
	"github.com/tomertec/sshmanager-sub001/internal/pool"
	"github.com/tomertec/sshmanager-sub001/internal/session"
)

// Set by main before the router starts serving.
var (
	Pool     *pool.Pool
	Sessions *session.Registry
	Network  *netwatch.Monitor
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
