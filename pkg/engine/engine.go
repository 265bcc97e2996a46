// Package engine is the single-threaded cooperative event loop wiring
// C1-C9 together (spec.md §2, §5): one goroutine drains a shared inbox of
// TransportEvent/TimerFired/OuterCommand variants and advances sessions
// synchronously, so no two operations on the same session ever overlap.
//
// Grounded on pkg/exchange.Manager.OnMessageReceived's single-entry-point
// shape, generalized from "one call per received packet" to "one call per
// inbox event" — background goroutines (the candidate resolver, a dial
// race, a control-stream reader) only ever talk back to the loop by
// posting to inbox; they never reach into engine state directly.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/aetherlink/aetherlink/pkg/candidate"
	"github.com/aetherlink/aetherlink/pkg/dial"
	"github.com/aetherlink/aetherlink/pkg/envelope"
	"github.com/aetherlink/aetherlink/pkg/handshake"
	"github.com/aetherlink/aetherlink/pkg/identity"
	"github.com/aetherlink/aetherlink/pkg/registry"
	"github.com/aetherlink/aetherlink/pkg/replay"
	"github.com/aetherlink/aetherlink/pkg/session"
	"github.com/aetherlink/aetherlink/pkg/transporthost"
	"github.com/aetherlink/aetherlink/pkg/trust"
)

// Summary is a snapshot of one session for ListSessions.
type Summary struct {
	SessionID      uuid.UUID
	LogicalID      uuid.UUID
	PeerDeviceCode string
	Role           session.Role
	State          session.State
	Path           session.Path
}

// Stats is a snapshot of one session for GetStats.
type Stats struct {
	SessionID      uuid.UUID
	PeerDeviceCode string
	State          session.State
	Path           session.Path
}

type timerKey struct {
	sessionID uuid.UUID
	kind      timerKind
}

// Engine drives the connect/reconnect lifecycle for every session it
// owns. All fields below inboxEvent-reachable state are touched only from
// the Run goroutine; background goroutines communicate back solely
// through inbox, the same single-owner discipline pkg/dial.Coordinator
// uses for its own race bookkeeping.
type Engine struct {
	cfg Config

	id          *identity.Identity
	trustStore  *trust.Store
	replayCache *replay.Cache
	hs          *handshake.Engine
	resolver    *candidate.Resolver
	dialer      *dial.Coordinator
	reg         *registry.Registry
	host        transporthost.Host
	log         logging.LeveledLogger

	inbox chan inboxEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Loop-owned bookkeeping.
	connectCancels map[uuid.UUID]context.CancelFunc
	conns          map[uuid.UUID]net.Conn
	hostHandles    map[uuid.UUID]transporthost.Handle
	handleSession  map[transporthost.Handle]uuid.UUID
	requestSeq     map[uuid.UUID]uint64
	timerGen       map[timerKey]uint64

	// pendingPing tracks, per session, whether the most recent keepalive
	// Ping is still unanswered (spec.md §4.8 keepalive).
	pendingPing map[uuid.UUID]bool

	// pendingHandles tracks inbound host handles that have connected but
	// not yet produced a SessionRequest identifying their peer, keyed by
	// the transport-observed peer identity (spec.md §4.5 step 5).
	pendingHandles map[transporthost.Handle]string
}

// NewEngine builds an Engine. trustStore and replayCache must already be
// open; dialer and host are supplied by the caller (cmd/aetherlinkd)
// already wired to concrete network capabilities.
func NewEngine(id *identity.Identity, trustStore *trust.Store, replayCache *replay.Cache, host transporthost.Host, dialer *dial.Coordinator, cfg Config) *Engine {
	if cfg.SessionConfig.DiscoveryTimeout <= 0 {
		cfg.SessionConfig.DiscoveryTimeout = session.DefaultDiscoveryTimeout
	}
	if cfg.SessionConfig.SessionRequestTimeout <= 0 {
		cfg.SessionConfig.SessionRequestTimeout = session.DefaultSessionRequestTimeout
	}
	if cfg.SessionConfig.KeepaliveInterval <= 0 {
		cfg.SessionConfig.KeepaliveInterval = session.DefaultKeepaliveInterval
	}
	hs := handshake.NewEngine(id, trustStore, replayCache, cfg.HandshakeConfig)
	resolver := candidate.New(&dhtAdapter{host: host}, cfg.ResolverConfig)

	var log logging.LeveledLogger
	if cfg.LoggerFactory != nil {
		log = cfg.LoggerFactory.NewLogger("engine")
	}

	return &Engine{
		cfg:            cfg,
		id:             id,
		trustStore:     trustStore,
		replayCache:    replayCache,
		hs:             hs,
		resolver:       resolver,
		dialer:         dialer,
		reg:            registry.New(cfg.MaxSessions),
		host:           host,
		log:            log,
		inbox:          make(chan inboxEvent, 64),
		connectCancels: make(map[uuid.UUID]context.CancelFunc),
		conns:          make(map[uuid.UUID]net.Conn),
		hostHandles:    make(map[uuid.UUID]transporthost.Handle),
		handleSession:  make(map[transporthost.Handle]uuid.UUID),
		requestSeq:     make(map[uuid.UUID]uint64),
		timerGen:       make(map[timerKey]uint64),
		pendingPing:    make(map[uuid.UUID]bool),
		pendingHandles: make(map[transporthost.Handle]string),
	}
}

// AddListener registers a registry.Listener for session lifecycle events
// (spec.md §4.9), forwarded to outer subscribers.
func (e *Engine) AddListener(l registry.Listener) registry.Subscription {
	return e.reg.AddListener(l)
}

// Run drives the event loop until ctx is cancelled or Stop is called.
// It owns a background goroutine forwarding host events into the inbox,
// and blocks processing inbox events one at a time until shutdown.
func (e *Engine) Run(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case evt, ok := <-e.host.Events():
				if !ok {
					return
				}
				select {
				case e.inbox <- hostEvent{event: evt}:
				case <-e.ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-e.ctx.Done():
			e.wg.Wait()
			return
		case evt := <-e.inbox:
			e.dispatch(evt)
		}
	}
}

// Stop ends the event loop and releases every background goroutine it
// owns. Sessions are not explicitly closed; callers wanting a clean
// SessionClose handshake should Close every session first.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) dispatch(evt inboxEvent) {
	switch v := evt.(type) {
	case outerCommand:
		e.handleCommand(v)
	case candidatesAvailable:
		e.handleCandidatesAvailable(v)
	case dialOutcome:
		e.handleDialOutcome(v)
	case timerFired:
		e.handleTimer(v)
	case hostEvent:
		e.handleHostEvent(v.event)
	case envelopeReceived:
		e.dispatchEnvelope(v.sessionID, v.envelope)
	case envelopeStreamClosed:
		e.handleStreamClosed(v.sessionID, v.err)
	}
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.log != nil {
		e.log.Debugf(format, args...)
	}
}

// ---- Outer command API ----

func (e *Engine) do(cmd outerCommand) commandReply {
	cmd.reply = make(chan commandReply, 1)
	select {
	case e.inbox <- cmd:
	case <-e.ctx.Done():
		return commandReply{err: ErrShuttingDown}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-e.ctx.Done():
		return commandReply{err: ErrShuttingDown}
	}
}

// Connect starts (or reuses) a session to peerCode. Issuing Connect twice
// against an already-Active session is a no-op returning the existing id
// (spec.md §8, "Double-connect").
func (e *Engine) Connect(peerCode string) (uuid.UUID, error) {
	r := e.do(outerCommand{kind: cmdConnect, peerCode: peerCode})
	return r.sessionID, r.err
}

// Close ends a session. An Active session is closed via the normal
// LocalClose transition; a still-connecting session is cancelled and
// dropped directly, since the state machine has no close edge from those
// states (spec.md §4.8 only defines Active -> Closed).
func (e *Engine) Close(id uuid.UUID) error {
	return e.do(outerCommand{kind: cmdClose, sessionID: id}).err
}

// ListSessions returns a snapshot of every session currently registered.
func (e *Engine) ListSessions() []Summary {
	return e.do(outerCommand{kind: cmdListSessions}).sessions
}

// Pair approves or rejects a device code's current trust binding.
func (e *Engine) Pair(peerCode string, approved bool) error {
	return e.do(outerCommand{kind: cmdPair, peerCode: peerCode, approved: approved}).err
}

// GetStats returns a snapshot of one session's state and path.
func (e *Engine) GetStats(id uuid.UUID) (Stats, error) {
	r := e.do(outerCommand{kind: cmdGetStats, sessionID: id})
	return r.stats, r.err
}

func (e *Engine) handleCommand(cmd outerCommand) {
	switch cmd.kind {
	case cmdConnect:
		id, err := e.connectLocked(cmd.peerCode)
		cmd.reply <- commandReply{sessionID: id, err: err}
	case cmdClose:
		cmd.reply <- commandReply{err: e.closeLocked(cmd.sessionID)}
	case cmdListSessions:
		var out []Summary
		e.reg.ForEach(func(s *session.Session) {
			out = append(out, Summary{
				SessionID:      s.ID(),
				LogicalID:      s.LogicalIdentity(),
				PeerDeviceCode: s.PeerDeviceCode(),
				Role:           s.Role(),
				State:          s.State(),
				Path:           s.Path(),
			})
		})
		cmd.reply <- commandReply{sessions: out}
	case cmdPair:
		cmd.reply <- commandReply{err: e.pairLocked(cmd.peerCode, cmd.approved)}
	case cmdGetStats:
		s, err := e.reg.Get(cmd.sessionID)
		if err != nil {
			cmd.reply <- commandReply{err: ErrUnknownSession}
			return
		}
		cmd.reply <- commandReply{stats: Stats{
			SessionID:      s.ID(),
			PeerDeviceCode: s.PeerDeviceCode(),
			State:          s.State(),
			Path:           s.Path(),
		}}
	}
}

func (e *Engine) connectLocked(peerCode string) (uuid.UUID, error) {
	if existing, err := e.reg.GetByPeer(peerCode); err == nil {
		switch existing.State() {
		case session.Active:
			return existing.ID(), nil
		case session.Failed, session.Closed:
			e.dropSession(existing.ID())
		default:
			return existing.ID(), nil
		}
	}

	id, err := e.reg.Create(session.RoleInitiator, peerCode, e.cfg.SessionConfig)
	if err != nil {
		return uuid.Nil, err
	}
	s, _ := e.reg.Get(id)
	if err := s.StartConnect(); err != nil {
		e.reg.Drop(id)
		return uuid.Nil, err
	}
	e.reg.Emit(registry.Event{Kind: registry.EventStateChanged, SessionID: id, PeerCode: peerCode})

	ctx, cancel := context.WithCancel(e.ctx)
	e.connectCancels[id] = cancel

	candCh := e.resolver.Subscribe(ctx, peerCode)
	teed := teeCandidates(ctx, e.inbox, id, candCh)
	e.armTimer(id, timerDiscovery, e.cfg.SessionConfig.DiscoveryTimeout)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		result, raceErr := e.dialer.Race(ctx, teed)
		select {
		case e.inbox <- dialOutcome{sessionID: id, result: result, err: raceErr}:
		case <-e.ctx.Done():
		}
	}()

	return id, nil
}

func (e *Engine) closeLocked(id uuid.UUID) error {
	s, err := e.reg.Get(id)
	if err != nil {
		return ErrUnknownSession
	}
	if s.State() == session.Active {
		if err := s.LocalClose(); err != nil {
			return err
		}
		e.writeEnvelope(id, envelope.Envelope{Kind: envelope.KindSessionClose, Payload: envelope.SessionClose{Reason: "local close"}.Encode()})
		e.reg.Emit(registry.Event{Kind: registry.EventClosed, SessionID: id, PeerCode: s.PeerDeviceCode()})
	} else {
		e.reg.Emit(registry.Event{Kind: registry.EventClosed, SessionID: id, PeerCode: s.PeerDeviceCode(), Err: fmt.Errorf("cancelled while %s", s.State())})
	}
	e.dropSession(id)
	return nil
}

func (e *Engine) pairLocked(peerCode string, approved bool) error {
	rec, ok := e.trustStore.Lookup(peerCode)
	if !ok {
		return ErrNotPending
	}
	if approved {
		if err := e.trustStore.Remember(peerCode, rec.PublicKey, trust.LevelVerified); err != nil {
			return err
		}
	} else {
		if err := e.trustStore.Revoke(peerCode); err != nil {
			return err
		}
	}
	e.reg.Emit(registry.Event{Kind: registry.EventPeerTrustChanged, PeerCode: peerCode})
	return nil
}

// dropSession releases what the engine holds for id: its connect-attempt
// cancellation, control-stream connection and host handle, request
// sequence, and handshake nonces. Timers already armed for id are not
// disarmed here. The registry entry is dropped after DropGrace so a
// straggling event
// referencing id is resolved to nothing instead of panicking on a stale
// map lookup elsewhere.
func (e *Engine) dropSession(id uuid.UUID) {
	if cancel, ok := e.connectCancels[id]; ok {
		cancel()
		delete(e.connectCancels, id)
	}
	if conn, ok := e.conns[id]; ok {
		conn.Close()
		delete(e.conns, id)
	}
	if handle, ok := e.hostHandles[id]; ok {
		e.host.Close(handle)
		delete(e.handleSession, handle)
		delete(e.hostHandles, id)
	}
	delete(e.requestSeq, id)
	e.hs.ForgetSession(id.String())

	e.armTimer(id, timerDropGrace, DropGrace)
}
