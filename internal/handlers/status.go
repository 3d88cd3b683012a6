package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pliu/chatrelay/internal/ws"
)

type StatsSource interface {
	Stats() ws.Stats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler serves the operational endpoints next to the websocket.
type StatusHandler struct {
	Hub    StatsSource
	Store  Pinger
	Logger *slog.Logger
}

func (h *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Hub.Stats())
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		if h.Logger != nil {
			h.Logger.Error("health check failed", "err", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
