// Package aggregator turns per-shard measurement streams into hourly energy
// totals and raises overconsumption alerts.
//
// Each shard queue has one consumer with a single message in flight, so a
// shard's measurements are processed in delivery order. Shards run
// concurrently. A device alerts at most once per UTC clock hour.
package aggregator
