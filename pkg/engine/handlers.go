package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/aetherlink/aetherlink/pkg/candidate"
	"github.com/aetherlink/aetherlink/pkg/envelope"
	"github.com/aetherlink/aetherlink/pkg/handshake"
	"github.com/aetherlink/aetherlink/pkg/registry"
	"github.com/aetherlink/aetherlink/pkg/session"
	"github.com/aetherlink/aetherlink/pkg/transporthost"
	"github.com/aetherlink/aetherlink/pkg/trust"
)

// writeEnvelope sends env over whichever transport id currently has: a
// dial-coordinator-won net.Conn (initiator side) or a transporthost
// handle (responder side). Exactly one of the two is ever populated for a
// live session.
func (e *Engine) writeEnvelope(id uuid.UUID, env envelope.Envelope) {
	if conn, ok := e.conns[id]; ok {
		if err := envelope.WriteFrame(conn, env); err != nil {
			e.logf("session %s: write %s: %v", id, env.Kind, err)
		}
		return
	}
	if handle, ok := e.hostHandles[id]; ok {
		if err := e.host.Send(handle, transporthost.StreamControl, envelope.Encode(env)); err != nil {
			e.logf("session %s: send %s: %v", id, env.Kind, err)
		}
		return
	}
	e.logf("session %s: no transport to write %s", id, env.Kind)
}

// runReader drains length-delimited envelopes from a dial-coordinator-won
// connection and posts them to the inbox, the net.Conn-side counterpart
// to transporthost's own Received events.
func (e *Engine) runReader(id uuid.UUID, conn net.Conn) {
	defer e.wg.Done()
	br := bufio.NewReader(conn)
	for {
		env, err := envelope.ReadFrame(br)
		if err != nil {
			select {
			case e.inbox <- envelopeStreamClosed{sessionID: id, err: err}:
			case <-e.ctx.Done():
			}
			return
		}
		select {
		case e.inbox <- envelopeReceived{sessionID: id, envelope: env}:
		case <-e.ctx.Done():
			return
		}
	}
}

// ---- Timers ----

// armTimer schedules kind to fire for id after d, tagging it with the
// current generation for (id, kind) so a disarm or rearm in the meantime
// makes the stale firing a no-op when it reaches handleTimer.
func (e *Engine) armTimer(id uuid.UUID, kind timerKind, d time.Duration) {
	key := timerKey{sessionID: id, kind: kind}
	e.timerGen[key]++
	gen := e.timerGen[key]
	time.AfterFunc(d, func() {
		select {
		case e.inbox <- timerFired{sessionID: id, kind: kind, generation: gen}:
		case <-e.ctx.Done():
		}
	})
}

// disarmTimer invalidates any in-flight timer for (id, kind) without
// cancelling the underlying time.Timer; handleTimer drops it on arrival.
func (e *Engine) disarmTimer(id uuid.UUID, kind timerKind) {
	e.timerGen[timerKey{sessionID: id, kind: kind}]++
}

func (e *Engine) handleTimer(v timerFired) {
	key := timerKey{sessionID: v.sessionID, kind: v.kind}
	if e.timerGen[key] != v.generation {
		return
	}

	switch v.kind {
	case timerDiscovery:
		s, err := e.reg.Get(v.sessionID)
		if err != nil || s.State() != session.Discovering {
			return
		}
		if err := s.DiscoveryTimedOut(); err != nil {
			return
		}
		e.reg.Emit(sessionClosedEvent(s, session.ErrDiscoveryTimeout))
		e.dropSession(v.sessionID)

	case timerSessionRequestTimeout:
		e.onSessionRequestTimeout(v.sessionID)

	case timerKeepalivePing:
		e.onKeepaliveTick(v.sessionID)

	case timerReconnectDelay:
		e.resumeDialing(v.sessionID)

	case timerIdentityRotation:
		e.onIdentityRotation(v.sessionID)

	case timerDropGrace:
		e.reg.Drop(v.sessionID)
	}
}

// ---- Handshake: initiator side ----

// sendSessionRequest builds and sends a fresh SessionRequest for s,
// consuming one of its limited attempts, and arms the retry timeout. Used
// both for the first attempt (right after a dial wins) and every retry
// (spec.md §4.8: up to session_request_max_attempts, each with its own
// fresh nonce since the handshake engine has no notion of "resending" a
// signed message).
func (e *Engine) sendSessionRequest(s *session.Session) {
	id := s.ID()
	if _, err := s.NextSessionRequestAttempt(); err != nil {
		if ferr := s.HandshakeFailed(err); ferr != nil {
			e.logf("session %s: %v", id, ferr)
		}
		e.reg.Emit(sessionHandshakeFailedEvent(s, err))
		e.dropSession(id)
		return
	}

	req, err := e.hs.BuildRequest(id.String(), e.cfg.Capabilities)
	if err != nil {
		e.logf("session %s: build request: %v", id, err)
		return
	}

	e.requestSeq[id]++
	e.writeEnvelope(id, envelope.Envelope{
		RequestID: e.requestSeq[id],
		Kind:      envelope.KindSessionRequest,
		Payload:   req.Encode(),
	})
	e.armTimer(id, timerSessionRequestTimeout, e.cfg.SessionConfig.SessionRequestTimeout)
}

// onSessionRequestTimeout retries the request if the session is still
// waiting in SecureHandshake; sendSessionRequest itself fails the session
// once attempts are exhausted.
func (e *Engine) onSessionRequestTimeout(id uuid.UUID) {
	s, err := e.reg.Get(id)
	if err != nil || s.State() != session.SecureHandshake {
		return
	}
	e.sendSessionRequest(s)
}

// ---- Handshake: responder side ----

// handleInboundSessionRequest handles the first envelope received on a
// handle with no session yet attached: it must be a SessionRequest.
// There is no discovery or dial race on this side — the transport already
// exists — so the session is walked straight through to SecureHandshake
// before the accept/reject decision is made.
func (e *Engine) handleInboundSessionRequest(handle transporthost.Handle, env envelope.Envelope) {
	if env.Kind != envelope.KindSessionRequest {
		e.logf("handle %d: expected SessionRequest, got %s", handle, env.Kind)
		return
	}
	req, err := envelope.DecodeSessionRequest(env.Payload)
	if err != nil {
		e.logf("handle %d: decode SessionRequest: %v", handle, err)
		return
	}

	peerIdentity := e.pendingHandles[handle]
	if _, err := e.hs.VerifyRequest(req, peerIdentity); err != nil {
		if errors.Is(err, handshake.ErrReplay) || errors.Is(err, handshake.ErrNonceUnbound) {
			// Replay and nonce-binding failures are silently dropped: no
			// envelope goes back, so a probing peer can't learn which
			// check failed. Only counted in telemetry via the log line.
			e.logf("handle %d: dropping request silently: %v", handle, err)
			return
		}
		e.sendReject(handle, env.RequestID, req.Nonce, err)
		return
	}

	if existing, gerr := e.reg.GetByPeer(req.InitiatorDeviceCode); gerr == nil {
		e.dropSession(existing.ID())
	}

	id, err := e.reg.Create(session.RoleResponder, req.InitiatorDeviceCode, e.cfg.SessionConfig)
	if err != nil {
		e.logf("handle %d: create inbound session: %v", handle, err)
		return
	}
	s, _ := e.reg.Get(id)

	if err := s.StartConnect(); err != nil {
		e.reg.Drop(id)
		return
	}
	if err := s.CandidatesAvailable(); err != nil {
		e.reg.Drop(id)
		return
	}
	if err := s.DirectConnected(); err != nil {
		e.reg.Drop(id)
		return
	}

	e.hostHandles[id] = handle
	e.handleSession[handle] = id
	delete(e.pendingHandles, handle)

	acc, err := e.hs.BuildAccept(req, e.cfg.Capabilities)
	if err != nil {
		e.logf("session %s: build accept: %v", id, err)
		e.dropSession(id)
		return
	}
	e.writeEnvelope(id, envelope.Envelope{RequestID: env.RequestID, Kind: envelope.KindSessionAccept, Payload: acc.Encode()})

	// The request this accept answers already passed VerifyRequest's full
	// check order (including the trust-store decision); issuing the
	// accept is the responder's half of spec.md §9's bidirectional
	// verification requirement, so Active follows directly.
	if err := s.AcceptVerified(); err != nil {
		e.logf("session %s: %v", id, err)
		return
	}
	e.reg.Emit(sessionStateChangedEvent(s))
	e.armTimer(id, timerKeepalivePing, e.cfg.SessionConfig.KeepaliveInterval)
	e.armTimer(id, timerIdentityRotation, IdentityRotationInterval)
}

func (e *Engine) sendReject(handle transporthost.Handle, requestID uint64, nonce []byte, cause error) {
	rej, err := e.hs.BuildReject(rejectReasonFor(cause), nonce)
	if err != nil {
		e.logf("handle %d: build reject: %v", handle, err)
		return
	}
	env := envelope.Envelope{RequestID: requestID, Kind: envelope.KindSessionReject, Payload: rej.Encode()}
	if err := e.host.Send(handle, transporthost.StreamControl, envelope.Encode(env)); err != nil {
		e.logf("handle %d: send reject: %v", handle, err)
	}
}

func rejectReasonFor(err error) string {
	switch {
	case errors.Is(err, handshake.ErrProtocolMismatch):
		return "protocol_mismatch"
	case errors.Is(err, handshake.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, handshake.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, handshake.ErrIdentityBindingFailed):
		return "identity_binding_failed"
	case errors.Is(err, handshake.ErrTransportIdentityMismatch):
		return "transport_identity_mismatch"
	case errors.Is(err, handshake.ErrReplay):
		return "replay"
	case errors.Is(err, trust.ErrUntrustedPeer):
		return "untrusted_peer"
	case errors.Is(err, trust.ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, trust.ErrRevoked):
		return "revoked"
	default:
		return "rejected"
	}
}

// ---- Host events ----

func (e *Engine) handleHostEvent(ev transporthost.Event) {
	switch ev.Kind {
	case transporthost.EventConnected:
		e.pendingHandles[ev.Handle] = ev.PeerIdentity

	case transporthost.EventDisconnected:
		if id, ok := e.handleSession[ev.Handle]; ok {
			e.handleStreamClosed(id, fmt.Errorf("transport disconnected: %s", ev.Reason))
		}
		delete(e.pendingHandles, ev.Handle)

	case transporthost.EventReceived:
		if ev.StreamKind != transporthost.StreamControl {
			return
		}
		env, err := envelope.Decode(ev.Bytes)
		if err != nil {
			e.logf("handle %d: decode envelope: %v", ev.Handle, err)
			return
		}
		if id, ok := e.handleSession[ev.Handle]; ok {
			e.dispatchEnvelope(id, env)
			return
		}
		e.handleInboundSessionRequest(ev.Handle, env)

	case transporthost.EventLanObserved:
		e.resolver.OnLanObserved(ev.PeerDeviceCode, ev.PeerAddr)
	}
}

// dispatchEnvelope handles an envelope already bound to a known session,
// regardless of which transport it arrived over.
func (e *Engine) dispatchEnvelope(id uuid.UUID, env envelope.Envelope) {
	s, err := e.reg.Get(id)
	if err != nil {
		return
	}

	switch env.Kind {
	case envelope.KindSessionAccept:
		if s.Role() != session.RoleInitiator || s.State() != session.SecureHandshake {
			return
		}
		acc, err := envelope.DecodeSessionAccept(env.Payload)
		if err != nil {
			return
		}
		e.disarmTimer(id, timerSessionRequestTimeout)
		if _, err := e.hs.VerifyAccept(id.String(), acc); err != nil {
			if ferr := s.HandshakeFailed(err); ferr != nil {
				e.logf("session %s: %v", id, ferr)
			}
			e.reg.Emit(sessionHandshakeFailedEvent(s, err))
			e.dropSession(id)
			return
		}
		if err := s.AcceptVerified(); err != nil {
			return
		}
		e.reg.Emit(sessionStateChangedEvent(s))
		e.armTimer(id, timerKeepalivePing, e.cfg.SessionConfig.KeepaliveInterval)
		e.armTimer(id, timerIdentityRotation, IdentityRotationInterval)

	case envelope.KindSessionReject:
		if s.Role() != session.RoleInitiator {
			return
		}
		rej, err := envelope.DecodeSessionReject(env.Payload)
		if err != nil {
			return
		}
		e.disarmTimer(id, timerSessionRequestTimeout)
		cause := fmt.Errorf("session rejected: %s", rej.ReasonCode)
		if ferr := s.HandshakeFailed(cause); ferr != nil {
			e.logf("session %s: %v", id, ferr)
		}
		e.reg.Emit(sessionHandshakeFailedEvent(s, cause))
		e.dropSession(id)

	case envelope.KindSessionClose:
		sc, err := envelope.DecodeSessionClose(env.Payload)
		if err != nil {
			return
		}
		if err := s.PeerClosed(); err != nil {
			return
		}
		e.reg.Emit(registry.Event{Kind: registry.EventClosed, SessionID: id, PeerCode: s.PeerDeviceCode(), Err: fmt.Errorf("peer closed: %s", sc.Reason)})
		e.dropSession(id)

	case envelope.KindPing:
		ping, err := envelope.DecodePing(env.Payload)
		if err != nil {
			return
		}
		pong := envelope.Pong{EchoedSentAtMs: ping.SentAtMs}
		e.writeEnvelope(id, envelope.Envelope{RequestID: env.RequestID, Kind: envelope.KindPong, Payload: pong.Encode()})

	case envelope.KindPong:
		if _, err := envelope.DecodePong(env.Payload); err == nil {
			s.RecordPong()
			e.pendingPing[id] = false
		}

	case envelope.KindCandidateAnnouncement:
		ann, err := envelope.DecodeCandidateAnnouncement(env.Payload)
		if err != nil {
			return
		}
		e.resolver.AddRelayAdvertisement(candidate.Candidate{
			TargetDeviceCode: ann.TargetDeviceCode,
			ReachableAddress: ann.ReachableAddress,
			ExpiresAtMs:      ann.ExpiresAtMs,
		})

	case envelope.KindPunchSync, envelope.KindStatsReport, envelope.KindQualityReport,
		envelope.KindPathDecision, envelope.KindErrorFrame:
		e.logf("session %s: received %s", id, env.Kind)

	default:
		// Media/input/file/clipboard families ride opaquely over an
		// established session; the engine frames them but never
		// interprets them.
		e.logf("session %s: passthrough %s (%d bytes)", id, env.Kind, len(env.Payload))
	}
}

func (e *Engine) handleStreamClosed(id uuid.UUID, err error) {
	s, rerr := e.reg.Get(id)
	if rerr != nil {
		return
	}
	switch s.State() {
	case session.Active:
		e.onPathLost(s)
	case session.Closed, session.Failed:
	default:
		cause := fmt.Errorf("stream closed: %w", err)
		if ferr := s.HandshakeFailed(cause); ferr == nil {
			e.reg.Emit(sessionHandshakeFailedEvent(s, cause))
		}
		e.dropSession(id)
	}
}

// ---- Keepalive, path loss, reconnect ----

func (e *Engine) onKeepaliveTick(id uuid.UUID) {
	s, err := e.reg.Get(id)
	if err != nil || s.State() != session.Active {
		return
	}
	if e.pendingPing[id] {
		if s.RecordPingMiss() {
			e.onPathLost(s)
			return
		}
	}

	e.requestSeq[id]++
	ping := envelope.Ping{SentAtMs: e.cfg.now().UnixMilli()}
	e.writeEnvelope(id, envelope.Envelope{RequestID: e.requestSeq[id], Kind: envelope.KindPing, Payload: ping.Encode()})
	e.pendingPing[id] = true
	e.armTimer(id, timerKeepalivePing, e.cfg.SessionConfig.KeepaliveInterval)
}

// onPathLost tears down the dead transport, rotates the session's
// outward-facing logical identity (spec.md §9: rotation happens on
// reconnect as well as on its 10-minute Active timer), and starts the
// reconnect backoff sequence.
func (e *Engine) onPathLost(s *session.Session) {
	id := s.ID()
	if conn, ok := e.conns[id]; ok {
		conn.Close()
		delete(e.conns, id)
	}
	if handle, ok := e.hostHandles[id]; ok {
		e.host.Close(handle)
		delete(e.handleSession, handle)
		delete(e.hostHandles, id)
	}
	delete(e.pendingPing, id)
	e.disarmTimer(id, timerKeepalivePing)
	e.disarmTimer(id, timerIdentityRotation)

	if err := s.PathLost(); err != nil {
		return
	}
	s.RotateLogicalIdentity()
	e.reg.Emit(sessionStateChangedEvent(s))
	e.beginReconnect(s)
}

func (e *Engine) beginReconnect(s *session.Session) {
	id := s.ID()
	delay, err := s.ReconnectRetry()
	if err != nil {
		if ferr := s.ReconnectExhausted(); ferr == nil {
			e.reg.Emit(sessionClosedEvent(s, session.ErrReconnectExhausted))
		}
		e.dropSession(id)
		return
	}
	e.armTimer(id, timerReconnectDelay, delay)
}

// resumeDialing restarts discovery and the dial race for a session
// ReconnectRetry already advanced to DialingDirect. Unlike the initial
// connect there is no discovery timer: a reconnect keeps retrying via its
// own backoff budget rather than failing outright on slow discovery.
func (e *Engine) resumeDialing(id uuid.UUID) {
	s, err := e.reg.Get(id)
	if err != nil || s.State() != session.DialingDirect {
		return
	}

	ctx, cancel := context.WithCancel(e.ctx)
	e.connectCancels[id] = cancel

	candCh := e.resolver.Subscribe(ctx, s.PeerDeviceCode())
	teed := teeCandidates(ctx, e.inbox, id, candCh)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		result, raceErr := e.dialer.Race(ctx, teed)
		select {
		case e.inbox <- dialOutcome{sessionID: id, result: result, err: raceErr}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) onIdentityRotation(id uuid.UUID) {
	s, err := e.reg.Get(id)
	if err != nil || s.State() != session.Active {
		return
	}
	s.RotateLogicalIdentity()
	e.reg.Emit(sessionStateChangedEvent(s))
	e.armTimer(id, timerIdentityRotation, IdentityRotationInterval)
}
