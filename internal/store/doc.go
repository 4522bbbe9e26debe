// Package store persists telemetry and mirrored reference data in PostgreSQL.
//
// Tables:
//   - device_measurements: raw readings, unique per (device_id, timestamp)
//   - hourly_energy_consumption: per-device hourly totals, unique per (device_id, hour_start)
//   - mirrored_devices, mirrored_users: reference data fed by sync events
//
// Hourly rows are recomputed from the raw rows of their window on every
// upsert, so replaying a measurement leaves the total unchanged.
package store
