package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/model"
)

// errInvalidPayload marks sync data that can never be applied.
var errInvalidPayload = errors.New("invalid sync payload")

// Syncer applies device and user change events to the mirror.
type Syncer struct {
	writer      Writer
	invalidator Invalidator
	logger      *slog.Logger
}

// NewSyncer creates a Syncer. invalidator may be nil when no cache is used.
func NewSyncer(w Writer, invalidator Invalidator, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{writer: w, invalidator: invalidator, logger: logger}
}

type deviceWire struct {
	ID                 any    `json:"id"`
	Name               string `json:"name"`
	MaximumConsumption any    `json:"maximumConsumption"`
	AssignedUserID     any    `json:"assignedUserId"`
}

type userWire struct {
	ID    any    `json:"id"`
	Email string `json:"email"`
}

type idWire struct {
	ID any `json:"id"`
}

// Handle is a broker.Handler for sync_exchange.
// Invalid payloads are logged and acknowledged; store failures are requeued.
func (s *Syncer) Handle(ctx context.Context, data []byte) broker.Disposition {
	var msg model.SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("dropping undecodable sync message", "error", err)
		return broker.Reject
	}

	err := s.apply(ctx, msg)
	switch {
	case err == nil:
		return broker.Ack
	case errors.Is(err, errInvalidPayload):
		s.logger.Warn("ignoring invalid sync data", "type", msg.Type, "error", err)
		return broker.Ack
	default:
		s.logger.Error("sync apply failed", "type", msg.Type, "error", err)
		return broker.Requeue
	}
}

func (s *Syncer) apply(ctx context.Context, msg model.SyncMessage) error {
	switch msg.Type {
	case model.SyncDeviceCreated, model.SyncDeviceUpdated:
		dev, err := decodeDevice(msg.Data)
		if err != nil {
			return err
		}
		if err := s.writer.UpsertDevice(ctx, dev); err != nil {
			return err
		}
		s.invalidate(ctx, dev.ID)
		s.logger.Debug("device mirrored", "device", dev.ID)

	case model.SyncDeviceDeleted:
		id, err := decodeID(msg.Data)
		if err != nil {
			return err
		}
		if err := s.writer.DeleteDevice(ctx, id); err != nil {
			return err
		}
		s.invalidate(ctx, id)
		s.logger.Debug("device removed from mirror", "device", id)

	case model.SyncUserCreated, model.SyncUserUpdated:
		var w userWire
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			return fmt.Errorf("%w: %v", errInvalidPayload, err)
		}
		id, err := model.ParseID(w.ID)
		if err != nil || strings.TrimSpace(w.Email) == "" {
			return fmt.Errorf("%w: user requires id and email", errInvalidPayload)
		}
		return s.writer.UpsertUser(ctx, model.UserRef{ID: id, Email: w.Email})

	case model.SyncUserDeleted:
		id, err := decodeID(msg.Data)
		if err != nil {
			return err
		}
		return s.writer.DeleteUser(ctx, id)

	default:
		s.logger.Debug("ignoring sync message", "type", msg.Type)
	}
	return nil
}

func (s *Syncer) invalidate(ctx context.Context, id int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, id); err != nil {
		s.logger.Warn("cache invalidation failed", "device", id, "error", err)
	}
}

func decodeDevice(data json.RawMessage) (model.DeviceRef, error) {
	var w deviceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return model.DeviceRef{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	id, err := model.ParseID(w.ID)
	if err != nil {
		return model.DeviceRef{}, fmt.Errorf("%w: device id: %v", errInvalidPayload, err)
	}
	if strings.TrimSpace(w.Name) == "" {
		return model.DeviceRef{}, fmt.Errorf("%w: device %d has no name", errInvalidPayload, id)
	}
	limit, err := model.ParseDecimal(w.MaximumConsumption)
	if err != nil {
		return model.DeviceRef{}, fmt.Errorf("%w: device %d maximumConsumption: %v", errInvalidPayload, id, err)
	}

	dev := model.DeviceRef{ID: id, Name: w.Name, MaxConsumption: limit}
	if w.AssignedUserID != nil {
		owner, err := model.ParseID(w.AssignedUserID)
		if err != nil {
			return model.DeviceRef{}, fmt.Errorf("%w: device %d assignedUserId: %v", errInvalidPayload, id, err)
		}
		dev.OwnerID = &owner
	}
	return dev, nil
}

func decodeID(data json.RawMessage) (int64, error) {
	var w idWire
	if err := json.Unmarshal(data, &w); err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	id, err := model.ParseID(w.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: id: %v", errInvalidPayload, err)
	}
	return id, nil
}
