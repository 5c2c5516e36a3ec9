package overlay

import "errors"

var (
	// ErrMalformedHandshake indicates an upgrade request whose handshake
	// material was missing or undecodable. The connection attempt is dropped
	// without a response.
	ErrMalformedHandshake = errors.New("overlay: malformed handshake")

	// ErrNoSessionMaterial indicates the transport cannot export the session
	// material the handshake signature must cover.
	ErrNoSessionMaterial = errors.New("overlay: transport exposes no session material")

	// ErrHandshakeVerification indicates the session signature did not match
	// the declared public key.
	ErrHandshakeVerification = errors.New("overlay: handshake verification failed")
)

var errQueueFull = errors.New("peer outbound queue full")
