// Package server implements the relay's WebSocket service.
//
// A Hub owns every connection. Each Client runs a read pump that feeds the
// protocol state machine (authenticate, subscribe, unsubscribe, publish) and
// a write pump that is the only writer on the socket. Conversation
// membership lives in Rooms; a published message is persisted first and only
// then fanned out to the members of its conversation. The hub's liveness
// sweep pings every connection and reclaims those that stop answering.
package server
