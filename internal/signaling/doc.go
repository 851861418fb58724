// Package signaling relays WebRTC negotiation and presence messages between
// browser clients that share a room.
//
// Each WebSocket connection drives a Session. A Session must join a room
// before anything else it sends is routed. Presence updates are broadcast to
// the rest of the room; "signal" and "identify" messages are delivered only to
// their target. The server always stamps outgoing messages with the sender's
// own user id.
package signaling
