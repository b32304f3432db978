package room

import "errors"

var (
	// ErrNotFound is returned by negotiation when the room or participant
	// does not exist. Administrative operations treat it as a no-op.
	ErrNotFound = errors.New("room: room or participant not found")

	// ErrMalformedOffer is returned when an offer is empty or cannot be parsed.
	ErrMalformedOffer = errors.New("room: malformed offer")

	// ErrNegotiationFailed is returned when the peer session rejects the
	// remote description or no supported codec is offered.
	ErrNegotiationFailed = errors.New("room: negotiation failed")
)
