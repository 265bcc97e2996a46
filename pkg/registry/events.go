// Package registry is the session registry (spec.md §4.9): it is the sole
// owner of every session.Session, indexes them by local id and by peer
// device code, and fans out lifecycle events to the outer layers that
// asked to be notified.
package registry

import "github.com/google/uuid"

// EventKind distinguishes the registry's published event types.
type EventKind uint8

const (
	EventStateChanged EventKind = iota
	EventHandshakeFailed
	EventPathChosen
	EventPeerTrustChanged
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "StateChanged"
	case EventHandshakeFailed:
		return "HandshakeFailed"
	case EventPathChosen:
		return "PathChosen"
	case EventPeerTrustChanged:
		return "PeerTrustChanged"
	case EventClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is a single registry notification. Which of the payload fields
// are meaningful depends on Kind:
//   - EventHandshakeFailed: Kind, PeerCode, Err
//   - EventPathChosen: Kind, PeerCode, Path
//   - EventClosed: Kind, PeerCode, Err (reason, nil for a clean local close)
//   - EventStateChanged, EventPeerTrustChanged: Kind, PeerCode only
type Event struct {
	Kind     EventKind
	SessionID uuid.UUID
	PeerCode string
	Path     string
	Err      error
}

// Listener is notified of registry events. Implementations must return
// quickly; OnRegistryEvent is called synchronously from whichever
// goroutine drives the registry (the engine's single event loop).
type Listener interface {
	OnRegistryEvent(Event)
}

// ListenerFunc adapts a plain function to a Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnRegistryEvent(e Event) { f(e) }
