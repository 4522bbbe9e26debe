package aggregator

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rickgao/energy-pipeline/internal/httpserver"
	"github.com/rickgao/energy-pipeline/internal/model"
)

// QueryStore reads hourly totals. *store.Store implements it.
type QueryStore interface {
	HourlyByDeviceAndDate(ctx context.Context, deviceID int64, day time.Time) ([]model.HourlyAggregate, error)
	HourlyByUserAndDate(ctx context.Context, userID int64, day time.Time) ([]model.HourlyTotal, error)
	Ping(ctx context.Context) error
}

// Pinger reports broker connectivity.
type Pinger interface {
	Ping() error
}

// Handler serves the consumption query API and health.
type Handler struct {
	store  QueryStore
	broker Pinger
	agg    Aggregator
	logger *slog.Logger
}

// NewHandler creates a Handler. agg may be nil.
func NewHandler(st QueryStore, b Pinger, agg Aggregator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, broker: b, agg: agg, logger: logger}
}

// RegisterRoutes registers the aggregator's routes on m.
func (h *Handler) RegisterRoutes(m *mux.Router) {
	m.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	m.HandleFunc("/devices/{deviceId}/consumption", h.DeviceConsumption).Methods(http.MethodGet)
	m.HandleFunc("/users/{userId}/consumption", h.UserConsumption).Methods(http.MethodGet)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"service": "aggregator",
	}
	if h.agg != nil {
		body["shards"] = h.agg.Shards()
	}

	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if err := h.broker.Ping(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["broker"] = err.Error()
	}
	httpserver.WriteJSON(w, status, body)
}

// DeviceConsumption handles GET /devices/{deviceId}/consumption?date=YYYY-MM-DD
func (h *Handler) DeviceConsumption(w http.ResponseWriter, r *http.Request) {
	id, day, ok := parseQuery(w, r, "deviceId", "Invalid device ID")
	if !ok {
		return
	}

	rows, err := h.store.HourlyByDeviceAndDate(r.Context(), id, day)
	if err != nil {
		h.logger.Error("device consumption query failed", "device", id, "error", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, rows)
}

// UserConsumption handles GET /users/{userId}/consumption?date=YYYY-MM-DD
func (h *Handler) UserConsumption(w http.ResponseWriter, r *http.Request) {
	id, day, ok := parseQuery(w, r, "userId", "Invalid user ID")
	if !ok {
		return
	}

	rows, err := h.store.HourlyByUserAndDate(r.Context(), id, day)
	if err != nil {
		h.logger.Error("user consumption query failed", "user", id, "error", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, rows)
}

// parseQuery reads the path id and the date parameter, writing a 400 on
// failure.
func parseQuery(w http.ResponseWriter, r *http.Request, idVar, idMsg string) (int64, time.Time, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[idVar], 10, 64)
	if err != nil || id < 1 {
		httpserver.WriteError(w, http.StatusBadRequest, idMsg)
		return 0, time.Time{}, false
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		httpserver.WriteError(w, http.StatusBadRequest, "Date parameter is required")
		return 0, time.Time{}, false
	}
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "Invalid date format")
		return 0, time.Time{}, false
	}
	return id, day, true
}
