package engine

import "errors"

var (
	// ErrUnknownSession is returned by Close/GetStats for an id the
	// registry has never seen or has already dropped past its grace
	// window.
	ErrUnknownSession = errors.New("engine: unknown session")

	// ErrNotPending is returned by Pair when the device code has no trust
	// record to approve or reject yet (no handshake has been observed).
	ErrNotPending = errors.New("engine: no pending trust decision for device code")

	// ErrShuttingDown is returned by command methods once Stop has been
	// called.
	ErrShuttingDown = errors.New("engine: shutting down")
)
