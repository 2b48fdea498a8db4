// Package signaling implements the WebSocket relay that brokers the WebRTC
// handshake between the two members of a room.
//
// The server inspects only the "type" field of each frame; everything else is
// relayed verbatim, so clients can extend the protocol without server
// changes.
package signaling
