// Package handshake builds and verifies the signed SessionRequest/
// SessionAccept/SessionReject exchange that authenticates a peer and binds
// it to a trust-store decision (spec.md §4.5).
//
// Grounded on pkg/securechannel's Manager: a handshake-context map keyed by
// an exchange identifier, paired Build/Verify operations per message type,
// and a single completion point. Unlike PASE/CASE this engine has no
// multi-round key-agreement state machine of its own — one request, one
// accept or reject — so it is a thinner manager with no Route dispatch
// table, but it keeps the teacher's shape: sentinel errors per failure
// mode, a locked map of per-session context, and verification split from
// construction.
package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/aetherlink/aetherlink/pkg/envelope"
	"github.com/aetherlink/aetherlink/pkg/identity"
	"github.com/aetherlink/aetherlink/pkg/replay"
	"github.com/aetherlink/aetherlink/pkg/trust"
)

// Engine builds and verifies handshake payloads against the process-wide
// identity, trust store, and replay cache (spec.md §5: "a single engine
// context passed into every operation; no ambient singletons").
type Engine struct {
	identity *identity.Identity
	trust    *trust.Store
	replay   *replay.Cache
	cfg      Config

	mu       sync.Mutex
	contexts map[string]*handshakeContext
}

// NewEngine creates an Engine. trustStore and replayCache must already be
// open; the engine never constructs its own persistence.
func NewEngine(id *identity.Identity, trustStore *trust.Store, replayCache *replay.Cache, cfg Config) *Engine {
	if cfg.ProtocolVersionMajor == 0 && cfg.ProtocolVersionMinor == 0 {
		cfg.ProtocolVersionMajor = DefaultProtocolVersionMajor
		cfg.ProtocolVersionMinor = DefaultProtocolVersionMinor
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	return &Engine{
		identity: id,
		trust:    trustStore,
		replay:   replayCache,
		cfg:      cfg,
		contexts: make(map[string]*handshakeContext),
	}
}

func freshNonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("handshake: draw nonce: %w", err)
	}
	return n, nil
}

// BuildRequest constructs and signs an outbound SessionRequest for
// sessionID, drawing a fresh nonce and remembering it in the session's
// handshake context so a later accept (even from a retried attempt) still
// binds (spec.md §4.5, §4.8).
func (e *Engine) BuildRequest(sessionID string, capabilities []string) (envelope.SessionRequest, error) {
	nonce, err := freshNonce()
	if err != nil {
		return envelope.SessionRequest{}, err
	}

	req := envelope.SessionRequest{
		ProtocolVersionMajor:  e.cfg.ProtocolVersionMajor,
		ProtocolVersionMinor:  e.cfg.ProtocolVersionMinor,
		InitiatorDeviceCode:   e.identity.DeviceCode(),
		InitiatorPublicKey:    append(ed25519.PublicKey(nil), e.identity.PublicKey()...),
		Nonce:                 nonce,
		TimestampMs:           e.cfg.now().UnixMilli(),
		RequestedCapabilities: capabilities,
	}

	sig, err := e.identity.Sign(req.CanonicalSignedBytes())
	if err != nil {
		return envelope.SessionRequest{}, err
	}
	req.Signature = sig

	e.mu.Lock()
	e.contextLocked(sessionID).record(nonce)
	e.mu.Unlock()

	return req, nil
}

// VerifyRequest runs the normative, first-failure-wins inbound-request
// check order from spec.md §4.5 steps 1-7. transportPeerIdentity is the
// peer identity the transport itself observed on the connection the
// request arrived on (step 5); it must come from the transport, never from
// the message.
//
// On success it returns the trust record the request was accepted under.
func (e *Engine) VerifyRequest(req envelope.SessionRequest, transportPeerIdentity string) (trust.Record, error) {
	now := e.cfg.now()

	// 1. Protocol version: major equal, minor no lower than minimum.
	if req.ProtocolVersionMajor != e.cfg.ProtocolVersionMajor || req.ProtocolVersionMinor < e.cfg.MinProtocolVersionMinor {
		return trust.Record{}, ErrProtocolMismatch
	}

	// 2. Timestamp within clock skew tolerance.
	if !withinSkew(req.TimestampMs, now, e.cfg.ClockSkew) {
		return trust.Record{}, ErrStaleTimestamp
	}

	// 3. Signature verifies against the embedded public key.
	if !ed25519.Verify(ed25519.PublicKey(req.InitiatorPublicKey), req.CanonicalSignedBytes(), req.Signature) {
		return trust.Record{}, ErrBadSignature
	}

	// 4. The embedded public key hashes to initiator_device_code.
	if !identity.VerifyDeviceCode(ed25519.PublicKey(req.InitiatorPublicKey), req.InitiatorDeviceCode) {
		return trust.Record{}, ErrIdentityBindingFailed
	}

	// 5. Transport identity binding.
	if transportPeerIdentity != req.InitiatorDeviceCode {
		return trust.Record{}, ErrTransportIdentityMismatch
	}

	// 6. Trust-store policy.
	rec, err := e.trust.Accept(req.InitiatorDeviceCode, ed25519.PublicKey(req.InitiatorPublicKey))
	if err != nil {
		return trust.Record{}, err
	}

	// 7. Replay cache insertion.
	if !e.replay.CheckAndInsert(req.InitiatorDeviceCode, req.Nonce, now) {
		return trust.Record{}, ErrReplay
	}

	return rec, nil
}

// BuildAccept constructs and signs a SessionAccept in response to a
// verified req. Call only after VerifyRequest has succeeded.
func (e *Engine) BuildAccept(req envelope.SessionRequest, grantedCapabilities []string) (envelope.SessionAccept, error) {
	nonce, err := freshNonce()
	if err != nil {
		return envelope.SessionAccept{}, err
	}

	acc := envelope.SessionAccept{
		ResponderDeviceCode: e.identity.DeviceCode(),
		ResponderPublicKey:  append(ed25519.PublicKey(nil), e.identity.PublicKey()...),
		ResponseNonce:       nonce,
		ResponseTimestampMs: e.cfg.now().UnixMilli(),
		EchoedRequestNonce:  append([]byte(nil), req.Nonce...),
		GrantedCapabilities: grantedCapabilities,
	}

	sig, err := e.identity.Sign(acc.CanonicalSignedBytes())
	if err != nil {
		return envelope.SessionAccept{}, err
	}
	acc.Signature = sig
	return acc, nil
}

// VerifyAccept runs the timestamp, signature, identity-binding, trust and
// replay checks VerifyRequest does against an inbound SessionAccept; it
// has no protocol-version step and no transport-identity-binding step,
// which only applies to the initial request per spec.md §9. It adds the
// nonce-binding check from spec.md §4.5: the echoed
// nonce must equal one this engine drew for sessionID. There is exactly
// one verification function for each direction's signature checks so no
// one-sided variant can exist by construction (spec.md §9, first Open
// Question).
func (e *Engine) VerifyAccept(sessionID string, acc envelope.SessionAccept) (trust.Record, error) {
	now := e.cfg.now()

	if !withinSkew(acc.ResponseTimestampMs, now, e.cfg.ClockSkew) {
		return trust.Record{}, ErrStaleTimestamp
	}

	if !ed25519.Verify(ed25519.PublicKey(acc.ResponderPublicKey), acc.CanonicalSignedBytes(), acc.Signature) {
		return trust.Record{}, ErrBadSignature
	}

	if !identity.VerifyDeviceCode(ed25519.PublicKey(acc.ResponderPublicKey), acc.ResponderDeviceCode) {
		return trust.Record{}, ErrIdentityBindingFailed
	}

	rec, err := e.trust.Accept(acc.ResponderDeviceCode, ed25519.PublicKey(acc.ResponderPublicKey))
	if err != nil {
		return trust.Record{}, err
	}

	if !e.replay.CheckAndInsert(acc.ResponderDeviceCode, acc.ResponseNonce, now) {
		return trust.Record{}, ErrReplay
	}

	e.mu.Lock()
	bound := e.contextLocked(sessionID).has(acc.EchoedRequestNonce)
	e.mu.Unlock()
	if !bound {
		return trust.Record{}, ErrNonceUnbound
	}

	return rec, nil
}

// BuildReject constructs and signs a SessionReject. Reject messages are
// advisory: they terminate the attempt but never mutate trust (spec.md
// §4.5), so building one requires no trust-store interaction.
func (e *Engine) BuildReject(reasonCode string, echoedRequestNonce []byte) (envelope.SessionReject, error) {
	rej := envelope.SessionReject{
		ReasonCode:         reasonCode,
		EchoedRequestNonce: append([]byte(nil), echoedRequestNonce...),
	}
	sig, err := e.identity.Sign(rej.CanonicalSignedBytes())
	if err != nil {
		return envelope.SessionReject{}, err
	}
	rej.ResponderSignature = sig
	return rej, nil
}

// VerifyReject checks a SessionReject's signature against responderPublicKey
// when the caller has one on hand (e.g. from a prior trust record for the
// session's peer device code). Rejects are advisory per spec.md §4.5: a
// failed or skipped verification here still terminates the attempt, it
// just isn't treated as proof of who sent it.
func VerifyReject(rej envelope.SessionReject, responderPublicKey ed25519.PublicKey) bool {
	if len(responderPublicKey) == 0 {
		return false
	}
	return ed25519.Verify(responderPublicKey, rej.CanonicalSignedBytes(), rej.ResponderSignature)
}

func withinSkew(timestampMs int64, now time.Time, skew time.Duration) bool {
	diff := now.UnixMilli() - timestampMs
	if diff < 0 {
		diff = -diff
	}
	return diff <= skew.Milliseconds()
}
