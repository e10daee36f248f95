// Package relay implements the session relay server: an in-memory registry of
// two-party sessions and the WebSocket handler that joins clients to it and
// forwards offer, answer and ice-candidate frames between the members of one
// session.
//
// The relay never forwards a frame outside the sender's session and never
// echoes a frame back to its sender.
package relay
