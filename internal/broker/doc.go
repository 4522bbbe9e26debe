// Package broker wraps NATS JetStream as the pipeline's durable,
// at-least-once queue layer.
//
// Every named queue is a JetStream stream whose single subject equals the
// queue name. Work queues use work-queue retention so each message is
// removed once one consumer acknowledges it; the sync fanout uses limits
// retention so each service's durable consumer sees every event.
//
// Handlers report a Disposition instead of acking directly:
//   - Ack: processed, remove from the queue
//   - Requeue: transient failure, redeliver (JetStream Nak)
//   - Reject: never processable, drop without redelivery (JetStream Term)
package broker
