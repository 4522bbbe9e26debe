// Package router consumes device_data_queue and forwards each measurement to
// exactly one shard queue (ingest_queue_<id>).
//
// Shard choice is made by a Strategy fixed at startup. The shard table that
// tracks per-shard load and health is owned by a single goroutine; callers
// talk to it through ShardTable methods.
//
// Under the device strategy every device owns its own shard. The router
// follows the device population in the reference mirror, declaring queues for
// new devices and deleting the queues of devices that have gone away.
package router
