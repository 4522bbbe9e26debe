package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rickgao/energy-pipeline/internal/httpserver"
)

// Handler serves router introspection and administration.
type Handler struct {
	router Router
}

// NewHandler creates a Handler for r.
func NewHandler(r Router) *Handler {
	return &Handler{router: r}
}

// RegisterRoutes registers the router's routes on m.
func (h *Handler) RegisterRoutes(m *mux.Router) {
	m.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	m.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	m.HandleFunc("/stats/reset", h.ResetStats).Methods(http.MethodPost)
	m.HandleFunc("/replica/{id}/health", h.SetReplicaHealth).Methods(http.MethodPost)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"status":       "OK",
		"service":      "router",
		"replicaCount": len(h.router.Shards().ShardIDs()),
		"strategy":     h.router.Strategy().String(),
	})
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, h.router.Shards().Stats())
}

// ResetStats handles POST /stats/reset
func (h *Handler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.router.Shards().ResetStats()
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Stats reset",
	})
}

// SetReplicaHealth handles POST /replica/{id}/health
func (h *Handler) SetReplicaHealth(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "Invalid replica ID")
		return
	}

	var request struct {
		IsHealthy *bool `json:"isHealthy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.IsHealthy == nil {
		httpserver.WriteError(w, http.StatusBadRequest, "isHealthy must be a boolean")
		return
	}

	if err := h.router.Shards().SetShardHealth(id, *request.IsHealthy); err != nil {
		if errors.Is(err, ErrUnknownShard) {
			httpserver.WriteError(w, http.StatusBadRequest, "Invalid replica ID")
			return
		}
		httpserver.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"replicaId": id,
		"isHealthy": *request.IsHealthy,
	})
}
