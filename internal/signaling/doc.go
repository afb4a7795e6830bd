// Package signaling is the WebSocket transport in front of the hub.
//
// Each accepted socket is authenticated from the upgrade request, registered
// with the hub and then served by a reader goroutine (envelope parsing, rate
// limiting, idle deadline) and a writer goroutine (bounded send queue,
// keepalive pings, close frames).
package signaling
