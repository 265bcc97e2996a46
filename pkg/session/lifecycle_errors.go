package session

import "errors"

// Lifecycle errors for the connect/reconnect state machine (spec.md §4.8).
var (
	// ErrInvalidTransition is returned when an event does not apply to a
	// session's current state.
	ErrInvalidTransition = errors.New("session: invalid state transition")

	// ErrDiscoveryTimeout is the Failed cause when Discovering exceeds
	// Config.DiscoveryTimeout without any candidate becoming available.
	ErrDiscoveryTimeout = errors.New("session: discovery timed out")

	// ErrReconnectExhausted is the Failed cause when Reconnecting's total
	// 15s budget is consumed without a path being recovered.
	ErrReconnectExhausted = errors.New("session: reconnect budget exhausted")

	// ErrSessionRequestExhausted is returned by NextSessionRequestAttempt
	// once session_request_max_attempts has been used up.
	ErrSessionRequestExhausted = errors.New("session: session request retries exhausted")
)
