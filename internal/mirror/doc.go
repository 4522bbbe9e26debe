// Package mirror provides read access to the mirrored device and user
// reference data, and keeps the mirror current from sync events.
//
// The mirror is owned by the device and user services; this pipeline only
// reads it, except for the Syncer which applies their change events.
package mirror
