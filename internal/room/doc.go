// Package room implements the room registry and media relay engine.
//
// A Registry owns every Room and its Participants. Each Participant owns at
// most one PeerSession, bound through a session binding that carries the
// participant's keyframe timer and pending keyframe retries. The Negotiator
// attaches sessions, the Relay forwards inbound RTP to the other connected
// participants of a room and the KeyframeCoordinator issues RTCP PLIs.
//
// Structural changes are published on a Bus in commit order. Readers on the
// media path iterate immutable participant snapshots and never take the
// locks used by administrative operations.
package room
