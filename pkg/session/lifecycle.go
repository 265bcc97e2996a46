package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the per-target connect lifecycle: the state machine from
// spec.md §4.8 plus the counters it needs (ping misses, session-request
// attempts, reconnect budget). It holds no transport or cryptographic
// material itself — those live in the dial/handshake results a caller
// feeds back in via the fire-wrapping methods below. It is a field bundle
// the caller drives, not an actor.
type Session struct {
	id        uuid.UUID
	role      Role
	peerCode  string
	cfg       Config

	mu              sync.RWMutex
	state           State
	failureCause    error
	path            Path
	pingMisses      int
	requestAttempts int
	lastPongAt      time.Time
	reconnect       *reconnectTracker

	rotationSecret []byte
	rotationEpoch  uint64
	logicalID      uuid.UUID
}

// New creates a Session in Idle for peerDeviceCode.
func New(role Role, peerDeviceCode string, cfg Config) *Session {
	secret := newRotationSecret()
	return &Session{
		id:             uuid.New(),
		role:           role,
		peerCode:       peerDeviceCode,
		cfg:            cfg.withDefaults(),
		state:          Idle,
		rotationSecret: secret,
		logicalID:      deriveLogicalIdentity(secret, 0),
	}
}

// LogicalIdentity returns the session's current outward-facing identity
// (spec.md §9): distinct from ID, which is a stable local bookkeeping
// key, this value rotates over the session's lifetime.
func (s *Session) LogicalIdentity() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logicalID
}

// RotateLogicalIdentity advances the session to its next logical
// identity, derived from the same per-session secret so the rotation
// sequence needs no extra state beyond a counter. Callers trigger this on
// the 10-minute Active timer and immediately on entering Reconnecting
// (spec.md §9, second Open Question); the underlying transport key
// material is unaffected either way.
func (s *Session) RotateLogicalIdentity() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotationEpoch++
	s.logicalID = deriveLogicalIdentity(s.rotationSecret, s.rotationEpoch)
	return s.logicalID
}

func (s *Session) ID() uuid.UUID          { return s.id }
func (s *Session) Role() Role             { return s.role }
func (s *Session) PeerDeviceCode() string { return s.peerCode }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Path reports which phase the active (or most recently active)
// transport connected through.
func (s *Session) Path() Path {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// FailureCause returns the error a Failed session entered Failed with,
// or nil if the session is not in Failed.
func (s *Session) FailureCause() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Failed {
		return nil
	}
	return s.failureCause
}

func (s *Session) fire(event Event, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	to, ok := transitions[stateEvent{s.state, event}]
	if !ok {
		return fmt.Errorf("%w: %v from %v", ErrInvalidTransition, event, s.state)
	}
	s.state = to

	switch to {
	case Failed:
		s.failureCause = cause
	case Active:
		s.pingMisses = 0
		s.requestAttempts = 0
		s.reconnect = nil
		s.lastPongAt = s.cfg.now()
	case Reconnecting:
		s.reconnect = newReconnectTracker(s.cfg)
	case Idle:
		s.failureCause = nil
		s.pingMisses = 0
		s.requestAttempts = 0
		s.path = PathNone
	}
	return nil
}

// StartConnect: Idle -> Discovering.
func (s *Session) StartConnect() error { return s.fire(EventStartConnect, nil) }

// CandidatesAvailable: Discovering -> DialingDirect.
func (s *Session) CandidatesAvailable() error { return s.fire(EventCandidatesAvailable, nil) }

// DiscoveryTimedOut: Discovering -> Failed(ErrDiscoveryTimeout).
func (s *Session) DiscoveryTimedOut() error { return s.fire(EventDiscoveryTimeout, ErrDiscoveryTimeout) }

// DirectConnected: DialingDirect -> SecureHandshake.
func (s *Session) DirectConnected() error {
	if err := s.fire(EventDirectConnected, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.path = PathDirect
	s.mu.Unlock()
	return nil
}

// DirectBudgetExhausted: DialingDirect -> HolePunching.
func (s *Session) DirectBudgetExhausted() error { return s.fire(EventDirectBudgetExhausted, nil) }

// PunchConnected: HolePunching -> SecureHandshake.
func (s *Session) PunchConnected() error {
	if err := s.fire(EventPunchConnected, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.path = PathPunched
	s.mu.Unlock()
	return nil
}

// PunchBudgetExhausted: HolePunching -> RelayDialing.
func (s *Session) PunchBudgetExhausted() error { return s.fire(EventPunchBudgetExhausted, nil) }

// RelayConnected: RelayDialing -> SecureHandshake.
func (s *Session) RelayConnected() error {
	if err := s.fire(EventRelayConnected, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.path = PathRelayed
	s.mu.Unlock()
	return nil
}

// RelayBudgetExhausted: RelayDialing -> Failed(cause), typically dial.ErrNoPath.
func (s *Session) RelayBudgetExhausted(cause error) error {
	return s.fire(EventRelayBudgetExhausted, cause)
}

// AcceptVerified: SecureHandshake -> Active.
func (s *Session) AcceptVerified() error { return s.fire(EventAcceptVerified, nil) }

// HandshakeFailed: SecureHandshake -> Failed(cause).
func (s *Session) HandshakeFailed(cause error) error { return s.fire(EventHandshakeError, cause) }

// PathLost: Active -> Reconnecting.
func (s *Session) PathLost() error { return s.fire(EventPathLost, nil) }

// ReconnectRetry: Reconnecting -> DialingDirect, consuming one backoff
// wait from the reconnect budget. The caller should sleep for the
// returned delay (or arm a timer for it) before re-entering DialingDirect.
func (s *Session) ReconnectRetry() (time.Duration, error) {
	s.mu.Lock()
	tracker := s.reconnect
	s.mu.Unlock()
	if tracker == nil {
		return 0, fmt.Errorf("%w: not reconnecting", ErrInvalidTransition)
	}
	delay, err := tracker.next()
	if err != nil {
		return 0, err
	}
	if err := s.fire(EventReconnectBudgetRemains, nil); err != nil {
		return 0, err
	}
	return delay, nil
}

// ReconnectExhausted: Reconnecting -> Failed(ErrReconnectExhausted).
func (s *Session) ReconnectExhausted() error {
	return s.fire(EventReconnectExhausted, ErrReconnectExhausted)
}

// LocalClose: Active -> Closed.
func (s *Session) LocalClose() error { return s.fire(EventLocalClose, nil) }

// PeerClosed: Active -> Closed, triggered by an inbound SessionClose.
func (s *Session) PeerClosed() error { return s.fire(EventPeerClose, nil) }

// Retry: Failed -> Idle, a user-initiated retry.
func (s *Session) Retry() error { return s.fire(EventUserRetry, nil) }

// RecordPong resets the keepalive miss counter on a received Pong.
func (s *Session) RecordPong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingMisses = 0
	s.lastPongAt = s.cfg.now()
}

// RecordPingMiss records a missed Pong and reports whether the session
// has now reached its miss limit (3 consecutive misses @ 1s by default);
// the caller is responsible for calling PathLost once it does.
func (s *Session) RecordPingMiss() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingMisses++
	return s.pingMisses >= s.cfg.KeepaliveMissLimit
}

// NextSessionRequestAttempt returns the 1-based attempt number for the
// next signed SessionRequest to send while in SecureHandshake as
// initiator, and an error once session_request_max_attempts is used up.
func (s *Session) NextSessionRequestAttempt() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestAttempts >= s.cfg.SessionRequestMaxAttempts {
		return s.requestAttempts, ErrSessionRequestExhausted
	}
	s.requestAttempts++
	return s.requestAttempts, nil
}
