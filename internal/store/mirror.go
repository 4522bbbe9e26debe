package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rickgao/energy-pipeline/internal/model"
)

const selectDeviceColumns = `id, name, maximum_consumption::text, assigned_user_id`

// Device returns the mirrored device, or ErrNotFound.
func (s *Store) Device(ctx context.Context, id int64) (model.DeviceRef, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectDeviceColumns+` FROM mirrored_devices WHERE id = $1`, id)
	dev, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DeviceRef{}, ErrNotFound
	}
	if err != nil {
		return model.DeviceRef{}, fmt.Errorf("select device %d: %w", id, err)
	}
	return dev, nil
}

// Devices lists every mirrored device ordered by id.
func (s *Store) Devices(ctx context.Context) ([]model.DeviceRef, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectDeviceColumns+` FROM mirrored_devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []model.DeviceRef
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}

// UpsertDevice creates or replaces a mirrored device.
func (s *Store) UpsertDevice(ctx context.Context, d model.DeviceRef) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mirrored_devices (id, name, maximum_consumption, assigned_user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			maximum_consumption = EXCLUDED.maximum_consumption,
			assigned_user_id = EXCLUDED.assigned_user_id,
			updated_at = now()`,
		d.ID, d.Name, d.MaxConsumption, d.OwnerID)
	if err != nil {
		return fmt.Errorf("upsert device %d: %w", d.ID, err)
	}
	return nil
}

// DeleteDevice removes a mirrored device. Missing rows are not an error.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM mirrored_devices WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete device %d: %w", id, err)
	}
	return nil
}

// UpsertUser creates or replaces a mirrored user.
func (s *Store) UpsertUser(ctx context.Context, u model.UserRef) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mirrored_users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, updated_at = now()`,
		u.ID, u.Email)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

// DeleteUser removes a mirrored user and unassigns their devices.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	batch := &pgx.Batch{}
	batch.Queue(`UPDATE mirrored_devices SET assigned_user_id = NULL, updated_at = now() WHERE assigned_user_id = $1`, id)
	batch.Queue(`DELETE FROM mirrored_users WHERE id = $1`, id)

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("delete user %d: %w", id, err)
		}
	}
	return nil
}

func scanDevice(row pgx.Row) (model.DeviceRef, error) {
	var (
		dev   model.DeviceRef
		limit string
	)
	if err := row.Scan(&dev.ID, &dev.Name, &limit, &dev.OwnerID); err != nil {
		return model.DeviceRef{}, err
	}
	value, err := model.ParseDecimal(limit)
	if err != nil {
		return model.DeviceRef{}, fmt.Errorf("parse maximum_consumption: %w", err)
	}
	dev.MaxConsumption = value
	return dev, nil
}
