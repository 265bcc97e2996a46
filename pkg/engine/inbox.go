package engine

import (
	"github.com/google/uuid"

	"github.com/aetherlink/aetherlink/pkg/dial"
	"github.com/aetherlink/aetherlink/pkg/envelope"
	"github.com/aetherlink/aetherlink/pkg/transporthost"
)

// inboxEvent is the sum type the engine's single goroutine consumes:
// TransportEvent, TimerFired, and OuterCommand from spec.md §5, plus the
// internal candidatesAvailable/dialOutcome notifications a Connect
// sequence posts back to itself.
type inboxEvent interface{ isInboxEvent() }

// hostEvent wraps a transporthost.Event (spec.md's "TransportEvent").
type hostEvent struct {
	event transporthost.Event
}

func (hostEvent) isInboxEvent() {}

// timerKind distinguishes the engine's armed per-session timers.
type timerKind uint8

const (
	timerDiscovery timerKind = iota
	timerSessionRequestTimeout
	timerKeepalivePing
	timerReconnectDelay
	timerIdentityRotation
	timerDropGrace
)

// timerFired is spec.md's "TimerFired" event, scoped to one session.
type timerFired struct {
	sessionID uuid.UUID
	kind      timerKind
	// generation guards against a timer that fired just as a newer one
	// for the same (session, kind) was armed; stale firings are ignored.
	generation uint64
}

func (timerFired) isInboxEvent() {}

// candidatesAvailable marks the first candidate batch for a Connect
// sequence; it drives Discovering -> DialingDirect.
type candidatesAvailable struct {
	sessionID uuid.UUID
}

func (candidatesAvailable) isInboxEvent() {}

// dialOutcome reports a dial.Coordinator.Race result for one session.
type dialOutcome struct {
	sessionID uuid.UUID
	result    dial.Result
	err       error
}

func (dialOutcome) isInboxEvent() {}

// envelopeReceived carries one decoded control envelope up from either a
// dial-coordinator-won net.Conn reader or a transporthost Received event.
type envelopeReceived struct {
	sessionID uuid.UUID
	envelope  envelope.Envelope
}

func (envelopeReceived) isInboxEvent() {}

// envelopeStreamClosed reports that a session's control-stream reader
// goroutine exited, with the error it exited on (io.EOF for a clean close).
type envelopeStreamClosed struct {
	sessionID uuid.UUID
	err       error
}

func (envelopeStreamClosed) isInboxEvent() {}

// commandKind enumerates spec.md §6's outer session API.
type commandKind uint8

const (
	cmdConnect commandKind = iota
	cmdClose
	cmdListSessions
	cmdPair
	cmdGetStats
)

// outerCommand is spec.md's "OuterCommand" event: a synchronous request
// from the outer application, answered via reply.
type outerCommand struct {
	kind commandKind

	peerCode  string
	sessionID uuid.UUID
	approved  bool

	reply chan commandReply
}

func (outerCommand) isInboxEvent() {}

// commandReply carries an outerCommand's result back to its caller.
type commandReply struct {
	sessionID uuid.UUID
	sessions  []Summary
	stats     Stats
	err       error
}
