// Package database provides PostgreSQL connection pool management.
//
// One pool per process holds both the telemetry tables (raw measurements,
// hourly aggregates) and the mirrored reference tables (devices, users).
package database
