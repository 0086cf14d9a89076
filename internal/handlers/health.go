package handlers

import (
	"net/http"

	"github.com/tomertec/sshmanager-sub001/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	network := "unknown"
	if Network != nil {
		network = "unavailable"
		if Network.Available() {
			network = "available"
		}
	}

	sessions := 0
	if Sessions != nil {
		sessions = len(Sessions.List())
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"network":  network,
		"sessions": sessions,
	})
}
