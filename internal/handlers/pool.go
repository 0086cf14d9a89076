package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/tomertec/sshmanager-sub001/internal/database"
	"github.com/tomertec/sshmanager-sub001/internal/pool"
)

type poolStatsResponse struct {
	Enabled            bool `json:"enabled"`
	MaxPerKey          int  `json:"max_per_key"`
	IdleTimeoutSeconds int  `json:"idle_timeout_seconds"`
	Total              int  `json:"total"`
	Active             int  `json:"active"`
	Idle               int  `json:"idle"`
	Keys               int  `json:"keys"`
}

func poolStats() poolStatsResponse {
	cfg := Pool.Config()
	st := Pool.Stats()
	return poolStatsResponse{
		Enabled:            cfg.Enabled,
		MaxPerKey:          cfg.MaxPerKey,
		IdleTimeoutSeconds: int(cfg.IdleTimeout / time.Second),
		Total:              st.Total,
		Active:             st.Active,
		Idle:               st.Idle,
		Keys:               st.Keys,
	}
}

func GetPoolStats(w http.ResponseWriter, r *http.Request) {
	if Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection pool not available")
		return
	}
	writeJSON(w, http.StatusOK, poolStats())
}

type poolConfigRequest struct {
	Enabled            *bool `json:"enabled,omitempty"`
	MaxPerKey          *int  `json:"max_per_key,omitempty"`
	IdleTimeoutSeconds *int  `json:"idle_timeout_seconds,omitempty"`
}

// UpdatePoolConfig persists the pool settings first and applies them to the
// live pool only once they are stored.
func UpdatePoolConfig(w http.ResponseWriter, r *http.Request) {
	if Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection pool not available")
		return
	}

	var body poolConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ps := database.LoadPoolSettings()
	if body.Enabled != nil {
		ps.Enabled = *body.Enabled
	}
	if body.MaxPerKey != nil {
		ps.MaxPerKey = *body.MaxPerKey
	}
	if body.IdleTimeoutSeconds != nil {
		ps.IdleTimeout = time.Duration(*body.IdleTimeoutSeconds) * time.Second
	}

	if err := database.SavePoolSettings(ps); err != nil {
		if errors.Is(err, database.ErrInvalidPoolSettings) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[api] save pool settings: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save pool settings")
		return
	}

	Pool.UpdateConfig(pool.Config{Enabled: ps.Enabled, MaxPerKey: ps.MaxPerKey, IdleTimeout: ps.IdleTimeout})
	writeJSON(w, http.StatusOK, poolStats())
}

// DrainPool disposes every pooled client concurrently. The request context
// bounds the wait; clients already detached are disposed regardless.
func DrainPool(w http.ResponseWriter, r *http.Request) {
	if Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection pool not available")
		return
	}
	n, err := Pool.DrainAsync(r.Context())
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"drained": n, "complete": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drained": n, "complete": true})
}
