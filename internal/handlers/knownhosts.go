package handlers

import (
	"log"
	"net/http"

	"github.com/tomertec/sshmanager-sub001/internal/database"
)

func ListKnownHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := database.ListKnownHosts()
	if err != nil {
		log.Printf("[api] list known hosts: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list known hosts")
		return
	}
	if hosts == nil {
		hosts = []database.KnownHost{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

// DeleteKnownHost forgets every key stored for ?host=, so the next
// connection trusts whatever key the host presents.
func DeleteKnownHost(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	if err := database.DeleteKnownHosts(host); err != nil {
		log.Printf("[api] delete known host: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete known host")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
