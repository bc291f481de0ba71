package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"fleetview/internal/store"
)

// ReadinessChecker reports whether the ingestor finished its cold start.
type ReadinessChecker interface {
	IsReady() bool
}

type HealthHandler struct {
	ingestor ReadinessChecker
	store    *store.Store
}

func NewHealthHandler(ing ReadinessChecker, s *store.Store) *HealthHandler {
	return &HealthHandler{
		ingestor: ing,
		store:    s,
	}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready        bool         `json:"ready"`
	VehicleCount int          `json:"vehicleCount"`
	Source       store.Source `json:"source"`
	ServerTime   time.Time    `json:"serverTime"`
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ready := h.ingestor.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	st := h.store.Status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ReadyResponse{
		Ready:        ready,
		VehicleCount: st.Count,
		Source:       st.Source,
		ServerTime:   time.Now(),
	})
}
