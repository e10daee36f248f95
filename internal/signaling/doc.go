// Package signaling defines the wire vocabulary exchanged between peers and
// the session relay: the SignalingMessage envelope, its typed payloads, and the
// SessionDescriptor that identifies one negotiation attempt.
//
// Every inbound message is validated at the boundary by ParseMessage before it
// is dispatched anywhere else.
package signaling
