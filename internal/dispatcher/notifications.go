package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"time"

	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/model"
)

// Notifier routes notifications_queue messages to sockets.
type Notifier struct {
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time
}

// NewNotifier creates a Notifier delivering through hub.
func NewNotifier(hub *Hub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{hub: hub, logger: logger, now: time.Now}
}

// Handle is the broker handler for notifications_queue. Delivery is best
// effort, so every message is acknowledged.
func (n *Notifier) Handle(ctx context.Context, data []byte) broker.Disposition {
	var msg model.Notification
	if err := json.Unmarshal(data, &msg); err != nil {
		n.logger.Warn("dropping malformed notification", "error", err)
		return broker.Ack
	}
	n.Route(msg)
	return broker.Ack
}

// Route delivers one notification according to its type and returns the
// number of sockets it was queued to.
func (n *Notifier) Route(msg model.Notification) int {
	now := n.now().UTC()

	switch msg.Type {
	case model.NotifyOverconsumption:
		frame := model.Notification{
			Type:      model.NotifyOverconsumption,
			UserID:    msg.UserID,
			DeviceID:  msg.DeviceID,
			Message:   msg.Message,
			Data:      msg.Data,
			Timestamp: now,
		}
		var sent int
		if msg.UserID != nil {
			sent += n.hub.SendToUser(*msg.UserID, frame)
		}
		return sent + n.hub.BroadcastToAdmins(frame)

	case model.NotifyChat:
		frame := model.Notification{
			Type:      model.NotifyChat,
			UserID:    msg.UserID,
			Message:   msg.Message,
			Data:      msg.Data,
			Timestamp: now,
		}
		if msg.ToUser != nil {
			return n.hub.SendToUser(*msg.ToUser, frame)
		}
		return n.hub.BroadcastToAdmins(frame)

	case model.NotifyAdminChat:
		if msg.ToUser == nil {
			n.logger.Warn("dropping admin chat without recipient")
			return 0
		}
		frame := model.Notification{
			Type:      model.NotifyChat,
			UserID:    msg.UserID,
			Message:   msg.Message,
			Data:      withType(msg.Data, model.NotifyAdminChat),
			Timestamp: now,
		}
		return n.hub.SendToUser(*msg.ToUser, frame)

	case model.NotifyAdminRequest:
		data := withType(msg.Data, model.NotifyAdminRequest)
		data["fromUserEmail"] = msg.FromUserEmail
		frame := model.Notification{
			Type:      model.NotifyChat,
			UserID:    msg.FromUserID,
			Message:   msg.Message,
			Data:      data,
			Timestamp: now,
		}
		if msg.ToUser != nil {
			return n.hub.SendToUser(*msg.ToUser, frame)
		}
		return n.hub.BroadcastToAdmins(frame)

	default:
		n.logger.Debug("ignoring notification", "type", msg.Type)
		return 0
	}
}

// withType copies data and sets its "type" key.
func withType(data map[string]any, typ string) map[string]any {
	out := make(map[string]any, len(data)+1)
	maps.Copy(out, data)
	out["type"] = typ
	return out
}
