package handshake

import "errors"

// Errors returned by the handshake engine, in the normative check order of
// inbound-request verification (spec.md §4.5). Each wraps no further
// detail by design: the reason a handshake failed is surfaced to callers
// via the error identity alone so telemetry can count it without a
// parseable message leaking which check failed to the peer.
var (
	ErrProtocolMismatch         = errors.New("handshake: protocol version mismatch")
	ErrStaleTimestamp           = errors.New("handshake: timestamp outside clock skew tolerance")
	ErrBadSignature             = errors.New("handshake: signature verification failed")
	ErrIdentityBindingFailed    = errors.New("handshake: public key does not hash to the claimed device code")
	ErrTransportIdentityMismatch = errors.New("handshake: transport peer identity does not match claimed device code")
	ErrReplay                   = errors.New("handshake: duplicate (signer, nonce) pair")
	ErrNonceUnbound             = errors.New("handshake: echoed request nonce does not match any outstanding request")
)
