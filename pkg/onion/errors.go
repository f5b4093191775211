package onion

import "errors"

// Error kinds a tunnel or relay/index engine can surface. These mirror the
// failure modes of the wire protocol rather than wrapping arbitrary Go
// errors, so callers can switch on them with errors.Is.
var (
	// ErrTransportClosed indicates the underlying TCP stream ended or was reset.
	ErrTransportClosed = errors.New("onion: transport closed")

	// ErrProtocolViolation indicates a framing, tag, or state-machine violation.
	ErrProtocolViolation = errors.New("onion: protocol violation")

	// ErrCryptoFailure indicates AEAD verification or signature verification failed.
	ErrCryptoFailure = errors.New("onion: crypto failure")

	// ErrOverflow indicates a varint whose continuation bits exceed the target width.
	ErrOverflow = errors.New("onion: varint overflow")

	// ErrMalformed indicates a varint or frame that ended before termination.
	ErrMalformed = errors.New("onion: malformed frame")

	// ErrUnknownCircuit indicates a lookup miss against a relay's circuit table.
	ErrUnknownCircuit = errors.New("onion: unknown circuit")

	// ErrUnknownRelay indicates a lookup miss against the index relay registry.
	ErrUnknownRelay = errors.New("onion: unknown relay")

	// ErrResourceExhausted is informational: a pool is too small for the
	// request. consumer.Engine.Connect returns it when the index lists fewer
	// relays than the requested hop count; the id allocator grows instead
	// of returning it.
	ErrResourceExhausted = errors.New("onion: resource exhausted")
)
