// Package signaling contains the wire protocol spoken with the call relay
// and the WebSocket client that carries it.
//
// The relay forwards messages between the two call participants; it assigns
// call ids, fans out incoming-call notifications, and is the authority for
// ring timeouts. Delivery between the two ends is ordered per connection but
// not relative to either end's own asynchronous negotiation steps, which is
// why the engine queues rather than assumes.
package signaling
