package dispatcher

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/energy-pipeline/internal/auth"
	"github.com/rickgao/energy-pipeline/internal/model"
)

// ClientConfig holds per-connection limits.
type ClientConfig struct {
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	ChatRate       float64
	ChatBurst      int
}

// Client is one authenticated WebSocket connection.
type Client struct {
	id     string
	userID int64
	email  string
	admin  bool

	conn *websocket.Conn
	hub  *Hub
	cfg  ClientConfig

	// send is closed by the hub when the client is removed.
	send chan []byte
	ping chan struct{}

	limiter *rate.Limiter
	logger  *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, id auth.Identity, cfg ClientConfig, logger *slog.Logger) *Client {
	connID := uuid.NewString()
	buffer := max(cfg.SendBuffer, 1)
	return &Client{
		id:      connID,
		userID:  id.UserID,
		email:   id.Email,
		admin:   id.IsAdmin(),
		conn:    conn,
		hub:     hub,
		cfg:     cfg,
		send:    make(chan []byte, buffer),
		ping:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Limit(cfg.ChatRate), cfg.ChatBurst),
		logger:  logger.With("conn", connID, "user", id.UserID),
	}
}

// requestPing asks the write pump to ping. A pending request is enough.
func (c *Client) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

// terminate closes the socket without a close handshake.
func (c *Client) terminate() {
	c.conn.Close()
}

// readPump reads client frames until the socket fails, then unregisters.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.hub.Pong(c)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.logger.Warn("client frame rate exceeded, dropping frame")
			continue
		}

		var frame model.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("ignoring malformed client frame", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame model.ClientFrame) {
	switch frame.Type {
	case model.NotifyChat:
		c.hub.BroadcastToAdmins(clientChatFrame{
			Type:      model.NotifyChat,
			UserID:    c.userID,
			UserEmail: c.email,
			Message:   frame.Content,
			Timestamp: time.Now().UTC(),
		})
	default:
		c.logger.Debug("ignoring client frame", "type", frame.Type)
	}
}

// writePump is the only writer of data frames and pings on the socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-c.ping:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
