package registry

import "errors"

var (
	// ErrSessionNotFound is returned by Get for an unknown session id and
	// by GetByPeer for an unknown peer device code.
	ErrSessionNotFound = errors.New("registry: session not found")

	// ErrDuplicatePeer is returned by Create when the peer device code
	// already has a live session in the registry.
	ErrDuplicatePeer = errors.New("registry: session already exists for peer")

	// ErrRegistryFull is returned by Create once MaxSessions is reached.
	ErrRegistryFull = errors.New("registry: at capacity")
)
