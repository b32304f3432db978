// Package signaling is the WebSocket transport in front of the room engine.
//
// Each connection is one participant. Client messages drive the registry and
// negotiator; room events published on the engine bus are routed back to the
// affected connections by Hub.
package signaling
