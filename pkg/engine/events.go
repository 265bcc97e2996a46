package engine

import (
	"github.com/aetherlink/aetherlink/pkg/registry"
	"github.com/aetherlink/aetherlink/pkg/session"
)

// sessionStateChangedEvent reports a plain state transition with no
// failure or path attached.
func sessionStateChangedEvent(s *session.Session) registry.Event {
	return registry.Event{Kind: registry.EventStateChanged, SessionID: s.ID(), PeerCode: s.PeerDeviceCode()}
}

// sessionHandshakeFailedEvent reports a SecureHandshake -> Failed
// transition, carrying the verification error that caused it.
func sessionHandshakeFailedEvent(s *session.Session, err error) registry.Event {
	return registry.Event{Kind: registry.EventHandshakeFailed, SessionID: s.ID(), PeerCode: s.PeerDeviceCode(), Err: err}
}

// sessionClosedEvent reports a session reaching a terminal state, whether
// by a clean close (err nil) or exhausting its dial/reconnect budget.
func sessionClosedEvent(s *session.Session, err error) registry.Event {
	return registry.Event{Kind: registry.EventClosed, SessionID: s.ID(), PeerCode: s.PeerDeviceCode(), Err: err}
}
