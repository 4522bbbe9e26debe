package model

import (
	"encoding/json"
	"time"
)

// -----------------------------------------------------------------------------
// Stored Types
// -----------------------------------------------------------------------------

// Measurement is one instantaneous power reading. Unique per (DeviceID, Timestamp).
type Measurement struct {
	DeviceID  int64
	Timestamp time.Time
	Value     float64 // kW
}

// HourlyAggregate is the energy consumed by a device during one UTC clock hour.
type HourlyAggregate struct {
	DeviceID         int64     `json:"deviceId"`
	HourStart        time.Time `json:"hourStart"`
	HourEnd          time.Time `json:"hourEnd"`
	TotalConsumption float64   `json:"totalConsumption"` // kWh
	SampleCount      int       `json:"measurementCount"`
}

// HourlyTotal is consumption summed across several devices for one hour.
type HourlyTotal struct {
	HourStart        time.Time `json:"hourStart"`
	TotalConsumption float64   `json:"totalConsumption"`
	SampleCount      int       `json:"measurementCount"`
}

// DeviceRef is the mirrored device metadata the pipeline reads.
type DeviceRef struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	MaxConsumption float64 `json:"maxConsumption"` // kWh per hour; <= 0 disables alerting
	OwnerID        *int64  `json:"ownerId,omitempty"`
}

// UserRef is the mirrored user metadata.
type UserRef struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// -----------------------------------------------------------------------------
// Process-local Types
// -----------------------------------------------------------------------------

// ShardInfo describes one routing target as seen by the router.
type ShardInfo struct {
	ID              int       `json:"id"`
	MessageCount    int64     `json:"messageCount"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	Healthy         bool      `json:"isHealthy"`
}

// SuppressionKey identifies a device-hour that has already alerted.
type SuppressionKey struct {
	DeviceID  int64
	HourStart time.Time
}

// -----------------------------------------------------------------------------
// Wire Types
// -----------------------------------------------------------------------------

// MeasurementMessage is the JSON emitted by the telemetry source.
// Fields are left untyped so numeric strings can be coerced.
type MeasurementMessage struct {
	Timestamp any `json:"timestamp"`
	DeviceID  any `json:"device_id"`
	Value     any `json:"measurement_value"`
}

// Notification types carried on notifications_queue.
const (
	NotifyOverconsumption = "overconsumption"
	NotifyChat            = "chat"
	NotifyAdminChat       = "admin_chat"
	NotifyAdminRequest    = "admin_request"
)

// Notification is a message for the dispatcher.
type Notification struct {
	Type          string         `json:"type"`
	UserID        *int64         `json:"userId,omitempty"`
	DeviceID      *int64         `json:"deviceId,omitempty"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	ToUser        *int64         `json:"toUser,omitempty"`
	FromUserID    *int64         `json:"fromUserId,omitempty"`
	FromUserEmail string         `json:"fromUserEmail,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sync event types published on sync_exchange.
const (
	SyncDeviceCreated = "device_created"
	SyncDeviceUpdated = "device_updated"
	SyncDeviceDeleted = "device_deleted"
	SyncUserCreated   = "user_created"
	SyncUserUpdated   = "user_updated"
	SyncUserDeleted   = "user_deleted"
)

// SyncMessage is a mirror change event. Data is decoded per Type.
type SyncMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ClientFrame is a frame sent by a WebSocket client.
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
