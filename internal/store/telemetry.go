package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rickgao/energy-pipeline/internal/model"
)

const upsertMeasurementSQL = `
	INSERT INTO device_measurements (device_id, timestamp, measurement_value)
	VALUES ($1, $2, $3)
	ON CONFLICT (device_id, timestamp)
	DO UPDATE SET measurement_value = EXCLUDED.measurement_value`

// lockDeviceSQL serializes hourly recomputes of one device until the
// transaction ends. The recompute runs as a later statement, so its snapshot
// includes every reading committed by the previous lock holder.
const lockDeviceSQL = `SELECT pg_advisory_xact_lock($1::bigint)`

// upsertHourlySQL rebuilds the hour's row from the raw readings in
// [hour_start, hour_end).
const upsertHourlySQL = `
	INSERT INTO hourly_energy_consumption
		(device_id, hour_start, hour_end, total_consumption, measurement_count)
	SELECT $1::bigint, $2::timestamptz, $3::timestamptz,
		COALESCE(SUM(m.measurement_value), 0) * $4::numeric,
		COUNT(*)
	FROM device_measurements m
	WHERE m.device_id = $1 AND m.timestamp >= $2 AND m.timestamp < $3
	ON CONFLICT (device_id, hour_start)
	DO UPDATE SET
		total_consumption = EXCLUDED.total_consumption,
		measurement_count = EXCLUDED.measurement_count,
		updated_at = now()
	RETURNING device_id, hour_start, hour_end, total_consumption::text, measurement_count`

const selectHourlyColumns = `device_id, hour_start, hour_end, total_consumption::text, measurement_count`

// UpsertMeasurement stores a reading, overwriting any earlier value for the
// same device and timestamp.
func (s *Store) UpsertMeasurement(ctx context.Context, m model.Measurement) error {
	if _, err := s.db.Exec(ctx, upsertMeasurementSQL, m.DeviceID, m.Timestamp.UTC(), m.Value); err != nil {
		return fmt.Errorf("upsert measurement: %w", err)
	}
	return nil
}

// UpsertHourly recomputes and returns the device's aggregate for the hour
// [start, end). Each stored reading counts as interval of constant power.
//
// Concurrent recomputes for the same device run one after another, so a
// later writer never overwrites the row with an older, smaller sum.
func (s *Store) UpsertHourly(ctx context.Context, deviceID int64, start, end time.Time, interval time.Duration) (agg model.HourlyAggregate, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.HourlyAggregate{}, fmt.Errorf("begin hourly upsert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback hourly upsert failed", "device", deviceID, "error", rbErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx, lockDeviceSQL, deviceID); err != nil {
		return model.HourlyAggregate{}, fmt.Errorf("lock device %d: %w", deviceID, err)
	}
	agg, err = scanHourly(tx.QueryRow(ctx, upsertHourlySQL, deviceID, start.UTC(), end.UTC(), interval.Hours()))
	if err != nil {
		return model.HourlyAggregate{}, fmt.Errorf("upsert hourly: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return model.HourlyAggregate{}, fmt.Errorf("commit hourly upsert: %w", err)
	}
	return agg, nil
}

// Hourly returns one device-hour aggregate.
func (s *Store) Hourly(ctx context.Context, deviceID int64, hourStart time.Time) (model.HourlyAggregate, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+selectHourlyColumns+`
		FROM hourly_energy_consumption
		WHERE device_id = $1 AND hour_start = $2`, deviceID, hourStart.UTC())

	agg, err := scanHourly(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.HourlyAggregate{}, ErrNotFound
	}
	if err != nil {
		return model.HourlyAggregate{}, fmt.Errorf("select hourly: %w", err)
	}
	return agg, nil
}

// HourlyByDeviceAndDate lists a device's hourly rows for the UTC day
// containing day, ordered by hour.
func (s *Store) HourlyByDeviceAndDate(ctx context.Context, deviceID int64, day time.Time) ([]model.HourlyAggregate, error) {
	from, to := dayWindow(day)
	rows, err := s.db.Query(ctx, `
		SELECT `+selectHourlyColumns+`
		FROM hourly_energy_consumption
		WHERE device_id = $1 AND hour_start >= $2 AND hour_start < $3
		ORDER BY hour_start`, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query device hourly: %w", err)
	}
	defer rows.Close()

	out := make([]model.HourlyAggregate, 0, 24)
	for rows.Next() {
		agg, err := scanHourly(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device hourly: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device hourly: %w", err)
	}
	return out, nil
}

// HourlyByUserAndDate sums the hourly rows of every device assigned to the
// user for the UTC day containing day, one entry per hour.
func (s *Store) HourlyByUserAndDate(ctx context.Context, userID int64, day time.Time) ([]model.HourlyTotal, error) {
	from, to := dayWindow(day)
	rows, err := s.db.Query(ctx, `
		SELECT h.hour_start, SUM(h.total_consumption)::text, SUM(h.measurement_count)::bigint
		FROM hourly_energy_consumption h
		JOIN mirrored_devices d ON d.id = h.device_id
		WHERE d.assigned_user_id = $1 AND h.hour_start >= $2 AND h.hour_start < $3
		GROUP BY h.hour_start
		ORDER BY h.hour_start`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query user hourly: %w", err)
	}
	defer rows.Close()

	out := make([]model.HourlyTotal, 0, 24)
	for rows.Next() {
		var (
			total model.HourlyTotal
			sum   string
			count int64
		)
		if err := rows.Scan(&total.HourStart, &sum, &count); err != nil {
			return nil, fmt.Errorf("scan user hourly: %w", err)
		}
		if total.TotalConsumption, err = model.ParseDecimal(sum); err != nil {
			return nil, fmt.Errorf("parse user hourly total: %w", err)
		}
		total.HourStart = total.HourStart.UTC()
		total.SampleCount = int(count)
		out = append(out, total)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user hourly: %w", err)
	}
	return out, nil
}

// scanHourly reads the selectHourlyColumns projection. Totals arrive as
// text because NUMERIC is not a float.
func scanHourly(row pgx.Row) (model.HourlyAggregate, error) {
	var (
		agg   model.HourlyAggregate
		total string
	)
	if err := row.Scan(&agg.DeviceID, &agg.HourStart, &agg.HourEnd, &total, &agg.SampleCount); err != nil {
		return model.HourlyAggregate{}, err
	}
	value, err := model.ParseDecimal(total)
	if err != nil {
		return model.HourlyAggregate{}, fmt.Errorf("parse total_consumption: %w", err)
	}
	agg.TotalConsumption = value
	agg.HourStart = agg.HourStart.UTC()
	agg.HourEnd = agg.HourEnd.UTC()
	return agg, nil
}

// dayWindow returns the UTC calendar day [from, to) containing day.
func dayWindow(day time.Time) (from, to time.Time) {
	d := day.UTC()
	from = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}
