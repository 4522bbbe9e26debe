// Package dispatcher delivers notifications to browser WebSocket clients.
//
// A Hub owns the registry of authenticated sockets, indexed by user and by
// admin role. Notifications arrive from notifications_queue or the notify
// HTTP API and are routed by type:
//
//   - overconsumption: to the device owner and every admin
//   - chat: to toUser if set, otherwise to the admins
//   - admin_chat: to toUser only, relabelled as chat
//   - admin_request: to toUser if set, otherwise to the admins
//
// Sockets authenticate with a token query parameter. A missing token closes
// the socket with 4001 and an invalid one with 4002. A heartbeat pings every
// socket each interval and terminates those that did not answer the
// previous ping.
package dispatcher
