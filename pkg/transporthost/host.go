// Package transporthost is the Go rendering of the external transport-host
// capability interface (spec.md §6): listen/dial/close, a DHT record
// publish/lookup surface, and a control-stream send, surfaced to callers
// as a single interface so the engine can be driven by a real network
// stack or by an in-memory pair in tests — mirroring the teacher's
// transport.Factory real/pipe duality.
package transporthost

import (
	"context"
	"time"
)

// StreamKind distinguishes the logical streams multiplexed over a handle.
type StreamKind uint8

const (
	StreamControl StreamKind = iota
	StreamInput
	StreamVideoDatagram
)

func (k StreamKind) String() string {
	switch k {
	case StreamControl:
		return "control"
	case StreamInput:
		return "input"
	case StreamVideoDatagram:
		return "video_datagram"
	default:
		return "unknown"
	}
}

// Handle identifies a live transport connection to a peer.
type Handle uint64

// PeerRecord is a DHT lookup result: a peer id plus its advertised addresses.
type PeerRecord struct {
	PeerID string
	Addrs  []string
}

// Event is the sum type of everything a Host reports back to the engine.
// Exactly one of the typed payload fields is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	Handle   Handle
	PeerAddr string

	// Connected
	PeerIdentity string

	// Disconnected
	Reason string

	// Received
	StreamKind StreamKind
	Bytes      []byte

	// LanObserved
	PeerDeviceCode string
}

// EventKind enumerates transporthost.Event variants.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReceived
	EventLanObserved
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventReceived:
		return "Received"
	case EventLanObserved:
		return "LanObserved"
	default:
		return "Unknown"
	}
}

// Host is the capability surface consumed from the transport host. The
// engine issues commands against it and receives Events on the channel
// returned by Events(); a Host implementation is free to run its own
// goroutines internally so long as delivery to that channel is the only
// way it talks back.
type Host interface {
	// Listen opens a listening address for inbound dials.
	Listen(ctx context.Context, multiaddr string) error

	// Dial opens an outbound connection, returning the handle once the
	// underlying transport reports it connected (via an Connected event,
	// not necessarily synchronously with this call returning).
	Dial(ctx context.Context, multiaddr string) (Handle, error)

	// Close tears down a connection by handle.
	Close(handle Handle) error

	// Send writes bytes to the given stream on an existing handle.
	Send(handle Handle, kind StreamKind, bytes []byte) error

	// PublishDHTRecord advertises this node's reachability under key.
	PublishDHTRecord(ctx context.Context, key string, record PeerRecord, ttl time.Duration) error

	// LookupDHT delivers the peer records currently known for a device
	// code. The returned channel is closed once they have been delivered.
	LookupDHT(ctx context.Context, deviceCode string) (<-chan PeerRecord, error)

	// Events returns the channel of asynchronous host events. A Host
	// returns the same channel on every call.
	Events() <-chan Event
}
