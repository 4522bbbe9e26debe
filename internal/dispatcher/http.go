package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rickgao/energy-pipeline/internal/auth"
	"github.com/rickgao/energy-pipeline/internal/httpserver"
	"github.com/rickgao/energy-pipeline/internal/model"
)

// closeWriteWait bounds the close frame sent to a rejected socket.
const closeWriteWait = time.Second

// TokenVerifier validates socket tokens. *auth.Verifier implements it.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Handler serves the WebSocket endpoint and the notify API.
type Handler struct {
	hub      *Hub
	notifier *Notifier
	verifier TokenVerifier
	cfg      ClientConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(hub *Hub, verifier TokenVerifier, cfg ClientConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		notifier: NewNotifier(hub, logger),
		verifier: verifier,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterRoutes registers the dispatcher's routes on m.
func (h *Handler) RegisterRoutes(m *mux.Router) {
	m.HandleFunc("/", h.ServeWS).Methods(http.MethodGet)
	m.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
	m.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	m.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	m.HandleFunc("/notify/overconsumption", h.NotifyOverconsumption).Methods(http.MethodPost)
	m.HandleFunc("/notify/chat", h.NotifyChat).Methods(http.MethodPost)
}

// ServeWS handles GET / and GET /ws with ?token=...
// Authentication failures are reported with a close code after the upgrade.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	id, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if errors.Is(err, auth.ErrMissingToken) {
		rejectSocket(conn, CloseAuthRequired, "Authentication required")
		return
	}
	if err != nil {
		h.logger.Debug("rejecting socket", "error", err)
		rejectSocket(conn, CloseInvalidToken, "Invalid token")
		return
	}

	c := newClient(h.hub, conn, id, h.cfg, h.logger)
	if frame, ok := h.hub.encode(connectedFrame{
		Type:      "connected",
		Message:   "WebSocket connection established",
		UserID:    id.UserID,
		Timestamp: time.Now().UTC(),
	}); ok {
		c.send <- frame
	}
	if !h.hub.Register(c) {
		rejectSocket(conn, websocket.CloseGoingAway, "Server shutting down")
		return
	}

	go c.writePump()
	go c.readPump()
}

func rejectSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	conn.Close()
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "OK",
		"service":     "dispatcher",
		"connections": h.hub.Stats().TotalConnections,
	})
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, h.hub.Stats())
}

type overconsumptionRequest struct {
	UserID       *int64   `json:"userId"`
	DeviceID     *int64   `json:"deviceId"`
	DeviceName   string   `json:"deviceName"`
	CurrentValue *float64 `json:"currentValue"`
	MaxValue     *float64 `json:"maxValue"`
}

// NotifyOverconsumption handles POST /notify/overconsumption
func (h *Handler) NotifyOverconsumption(w http.ResponseWriter, r *http.Request) {
	var req overconsumptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == nil || req.DeviceID == nil || req.CurrentValue == nil || req.MaxValue == nil {
		httpserver.WriteError(w, http.StatusBadRequest, "userId, deviceId, currentValue and maxValue are required")
		return
	}

	h.notifier.Route(model.Notification{
		Type:     model.NotifyOverconsumption,
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		Message: fmt.Sprintf("Alert: Device %q exceeded maximum consumption! Current: %.2f kWh, Max: %g kWh",
			req.DeviceName, *req.CurrentValue, *req.MaxValue),
		Data: map[string]any{
			"deviceId":     *req.DeviceID,
			"deviceName":   req.DeviceName,
			"currentValue": *req.CurrentValue,
			"maxValue":     *req.MaxValue,
		},
	})
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Notification sent",
	})
}

type chatRequest struct {
	UserID    *int64 `json:"userId"`
	Message   string `json:"message"`
	FromAdmin bool   `json:"fromAdmin"`
	AdminID   *int64 `json:"adminId"`
}

// NotifyChat handles POST /notify/chat
// Admin messages go to the user; user messages go to the admins.
func (h *Handler) NotifyChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == nil || req.Message == "" {
		httpserver.WriteError(w, http.StatusBadRequest, "userId and message are required")
		return
	}

	data := map[string]any{"fromAdmin": req.FromAdmin}
	if req.AdminID != nil {
		data["adminId"] = *req.AdminID
	}
	msg := model.Notification{
		Type:    model.NotifyChat,
		UserID:  req.UserID,
		Message: req.Message,
		Data:    data,
	}
	if req.FromAdmin {
		msg.ToUser = req.UserID
	}
	h.notifier.Route(msg)

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Chat message sent",
	})
}
