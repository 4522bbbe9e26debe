// Package model defines shared data types used across the energy pipeline.
//
// Conventions:
//   - Device and user ids: int64, as issued by the device and user services
//   - Timestamps: time.Time in UTC; hour windows are UTC clock hours
//   - Energy: kWh, derived from kW readings times the sampling interval
package model
