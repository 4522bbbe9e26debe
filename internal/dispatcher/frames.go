package dispatcher

import "time"

// WebSocket close codes for failed authentication.
const (
	CloseAuthRequired = 4001
	CloseInvalidToken = 4002
)

// connectedFrame is the first frame on every authenticated socket.
type connectedFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	UserID    int64     `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// clientChatFrame relays a user's chat message to the admins.
type clientChatFrame struct {
	Type      string    `json:"type"`
	UserID    int64     `json:"userId"`
	UserEmail string    `json:"userEmail"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
