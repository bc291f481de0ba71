package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetview/internal/domain"
	"fleetview/internal/mapview"
	"fleetview/internal/scene"
	"fleetview/internal/store"
	"fleetview/internal/trajectory"
)

// SnapshotReloader refetches the vehicle list on demand.
type SnapshotReloader interface {
	ReloadSnapshot(ctx context.Context) error
}

type HTTPHandler struct {
	store    *store.Store
	paths    *trajectory.Accumulator
	adapter  *mapview.Adapter
	scene    *scene.Scene
	reloader SnapshotReloader
	timeout  time.Duration
}

func NewHTTPHandler(s *store.Store, paths *trajectory.Accumulator, adapter *mapview.Adapter, sc *scene.Scene, reloader SnapshotReloader, reloadTimeout time.Duration) *HTTPHandler {
	if reloadTimeout <= 0 {
		reloadTimeout = 15 * time.Second
	}
	return &HTTPHandler{
		store:    s,
		paths:    paths,
		adapter:  adapter,
		scene:    sc,
		reloader: reloader,
		timeout:  reloadTimeout,
	}
}

type VehiclesResponse struct {
	Vehicles   []*domain.Vehicle `json:"vehicles"`
	Count      int               `json:"count"`
	Status     store.Status      `json:"status"`
	ServerTime time.Time         `json:"serverTime"`
}

type vehicleFilter struct {
	category *domain.Category
	status   domain.Status
	bbox     *domain.BoundingBox
}

func (f vehicleFilter) match(v *domain.Vehicle) bool {
	if f.category != nil && v.Category() != *f.category {
		return false
	}
	if f.status != "" && v.Status != f.status {
		return false
	}
	if f.bbox != nil {
		if v.Location == nil || !f.bbox.Contains(v.Location.Lat, v.Location.Lng) {
			return false
		}
	}
	return true
}

func (h *HTTPHandler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	var filter vehicleFilter
	q := r.URL.Query()

	if c := q.Get("category"); c != "" {
		cat := domain.ParseCategory(c)
		if cat.String() != strings.ToLower(c) {
			respondError(w, http.StatusBadRequest, "invalid category: must be vehicle, pedestrian, bicycle or scooter")
			return
		}
		filter.category = &cat
	}

	if s := q.Get("status"); s != "" {
		filter.status = domain.ParseStatus(s)
		if filter.status == "" {
			respondError(w, http.StatusBadRequest, "invalid status: must be online, idle or offline")
			return
		}
	}

	if bboxStr := q.Get("bbox"); bboxStr != "" {
		parts := strings.Split(bboxStr, ",")
		if len(parts) != 4 {
			respondError(w, http.StatusBadRequest, "invalid bbox format: expected minLat,minLng,maxLat,maxLng")
			return
		}
		bbox, err := parseBBox(parts)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox values: "+err.Error())
			return
		}
		filter.bbox = bbox
	}

	all := h.store.Vehicles()
	vehicles := make([]*domain.Vehicle, 0, len(all))
	for _, v := range all {
		if filter.match(v) {
			vehicles = append(vehicles, v)
		}
	}

	respondJSON(w, http.StatusOK, VehiclesResponse{
		Vehicles:   vehicles,
		Count:      len(vehicles),
		Status:     h.store.Status(),
		ServerTime: time.Now(),
	})
}

func (h *HTTPHandler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := vehicleID(w, r)
	if !ok {
		return
	}

	vehicle, found := h.store.Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	respondJSON(w, http.StatusOK, vehicle)
}

type TrajectoryResponse struct {
	VehicleID int64            `json:"vehicleId"`
	Points    []domain.Point   `json:"points"`
	Count     int              `json:"count"`
	Style     trajectory.Style `json:"style"`
}

func (h *HTTPHandler) GetTrajectory(w http.ResponseWriter, r *http.Request) {
	id, ok := vehicleID(w, r)
	if !ok {
		return
	}

	vehicle, found := h.store.Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	selectedID, hasSelection := h.store.SelectedID()
	points := h.paths.Points(id)
	if points == nil {
		points = []domain.Point{}
	}

	respondJSON(w, http.StatusOK, TrajectoryResponse{
		VehicleID: id,
		Points:    points,
		Count:     len(points),
		Style:     trajectory.StyleFor(vehicle.Status, hasSelection && selectedID == id, vehicle.Category()),
	})
}

type AlertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

func (h *HTTPHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.store.Alerts()
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	respondJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

type SelectionResponse struct {
	VehicleID *int64          `json:"vehicleId"`
	Vehicle   *domain.Vehicle `json:"vehicle,omitempty"`
	Focused   bool            `json:"focused"`
}

func (h *HTTPHandler) GetSelection(w http.ResponseWriter, r *http.Request) {
	var resp SelectionResponse
	if v, ok := h.store.Selected(); ok {
		resp.VehicleID = &v.ID
		resp.Vehicle = v
	}
	respondJSON(w, http.StatusOK, resp)
}

type selectionRequest struct {
	VehicleID *int64 `json:"vehicleId"`
}

// PutSelection selects a vehicle the way a marker click does. A null id
// clears the selection.
func (h *HTTPHandler) PutSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.VehicleID == nil {
		h.store.Deselect()
		respondJSON(w, http.StatusOK, SelectionResponse{})
		return
	}

	id := *req.VehicleID
	v, found := h.store.Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	focused, err := h.adapter.HandleMarkerClick(id)
	if err != nil {
		// The map is not up yet; the selection still applies.
		h.store.Select(id)
	}
	respondJSON(w, http.StatusOK, SelectionResponse{VehicleID: &id, Vehicle: v, Focused: focused})
}

type mapActionResponse struct {
	Applied bool          `json:"applied"`
	Theme   mapview.Theme `json:"theme,omitempty"`
}

func (h *HTTPHandler) FocusAll(w http.ResponseWriter, r *http.Request) {
	applied, err := h.adapter.FocusAll()
	if err != nil {
		respondMapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mapActionResponse{Applied: applied})
}

func (h *HTTPHandler) ToggleTheme(w http.ResponseWriter, r *http.Request) {
	theme, err := h.adapter.ToggleTheme()
	if err != nil {
		respondMapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mapActionResponse{Applied: true, Theme: theme})
}

func (h *HTTPHandler) ReloadSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.reloader.ReloadSnapshot(ctx); err != nil {
		respondJSON(w, http.StatusBadGateway, struct {
			Error  string       `json:"error"`
			Status store.Status `json:"status"`
		}{Error: err.Error(), Status: h.store.Status()})
		return
	}
	respondJSON(w, http.StatusOK, h.store.Status())
}

func (h *HTTPHandler) GetScene(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scene.View())
}

func respondMapError(w http.ResponseWriter, err error) {
	if errors.Is(err, mapview.ErrNotReady) || errors.Is(err, mapview.ErrDisposed) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func vehicleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "missing vehicle id")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid vehicle id")
		return 0, false
	}
	return id, true
}

func parseBBox(parts []string) (*domain.BoundingBox, error) {
	minLat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, err
	}
	minLng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, err
	}
	maxLat, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return nil, err
	}
	maxLng, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	if err != nil {
		return nil, err
	}
	if minLat > maxLat || minLng > maxLng {
		return nil, errors.New("min greater than max")
	}
	return &domain.BoundingBox{
		MinLat: minLat, MinLng: minLng,
		MaxLat: maxLat, MaxLng: maxLng,
	}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
