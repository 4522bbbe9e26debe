package mirror

import (
	"context"

	"github.com/rickgao/energy-pipeline/internal/model"
	"github.com/rickgao/energy-pipeline/internal/store"
)

// ErrNotFound is returned by Device for ids the mirror does not know.
var ErrNotFound = store.ErrNotFound

// Source looks up mirrored devices. *store.Store implements it.
type Source interface {
	Device(ctx context.Context, id int64) (model.DeviceRef, error)
	Devices(ctx context.Context) ([]model.DeviceRef, error)
}

// Writer applies mirror changes. *store.Store implements it.
type Writer interface {
	UpsertDevice(ctx context.Context, d model.DeviceRef) error
	DeleteDevice(ctx context.Context, id int64) error
	UpsertUser(ctx context.Context, u model.UserRef) error
	DeleteUser(ctx context.Context, id int64) error
}

// Invalidator drops cached entries for a device.
type Invalidator interface {
	Invalidate(ctx context.Context, id int64) error
}
