// Package memory is an in-memory transporthost.Host, grounded on
// pkg/transport.Pipe/PipeFactory: pion/transport/v3's test.Bridge stands in
// for a real socket, with a background ticker goroutine delivering queued
// packets the same way Pipe's auto-processor does, so tests get a real
// byte-oriented link (and its framing) without any actual network I/O.
package memory

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"

	"github.com/aetherlink/aetherlink/pkg/transporthost"
)

// tickInterval is how often a bridge's queued packets are delivered,
// matching pkg/transport.DefaultPipeConfig's ProcessInterval.
const tickInterval = time.Millisecond

// Network is the shared fake network two or more Hosts dial and listen
// against. There is no implicit global: tests construct one explicitly
// and hand it to every Host that should be able to reach the others,
// mirroring pkg/transport.NewPipeFactoryPair's explicit pairing.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Host
	dht       map[string][]dhtEntry
}

type dhtEntry struct {
	record    transporthost.PeerRecord
	expiresAt time.Time
}

// NewNetwork creates an empty fake network.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*Host),
		dht:       make(map[string][]dhtEntry),
	}
}

// Host is a transporthost.Host backed by in-memory bridges. deviceCode is
// reported to peers as the transport-observed identity on Connected
// events, standing in for whatever handshake a real transport would do to
// learn it (e.g. a TLS certificate or QUIC connection ID).
type Host struct {
	net        *Network
	deviceCode string

	mu      sync.Mutex
	addr    string
	conns   map[transporthost.Handle]*memConn
	nextID  uint64
	events  chan transporthost.Event
	closed  bool
}

type memConn struct {
	conn net.Conn
	stop func()
}

// NewHost creates a Host identified as deviceCode on net.
func NewHost(net *Network, deviceCode string) *Host {
	return &Host{
		net:        net,
		deviceCode: deviceCode,
		conns:      make(map[transporthost.Handle]*memConn),
		events:     make(chan transporthost.Event, 64),
	}
}

func (h *Host) Events() <-chan transporthost.Event { return h.events }

func (h *Host) Listen(ctx context.Context, multiaddr string) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	h.net.listeners[multiaddr] = h
	h.mu.Lock()
	h.addr = multiaddr
	h.mu.Unlock()
	return nil
}

func (h *Host) Dial(ctx context.Context, multiaddr string) (transporthost.Handle, error) {
	h.net.mu.Lock()
	peer, ok := h.net.listeners[multiaddr]
	h.net.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("memoryhost: no listener at %s", multiaddr)
	}

	bridge := test.NewBridge()
	stopTick := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopTick) }) }

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopTick:
				return
			case <-ticker.C:
				bridge.Tick()
			}
		}
	}()

	localHandle := h.addConn(bridge.GetConn0(), stop)
	remoteHandle := peer.addConn(bridge.GetConn1(), stop)

	h.emit(transporthost.Event{Kind: transporthost.EventConnected, Handle: localHandle, PeerIdentity: peer.deviceCode})
	peer.emit(transporthost.Event{Kind: transporthost.EventConnected, Handle: remoteHandle, PeerIdentity: h.deviceCode})

	return localHandle, nil
}

func (h *Host) addConn(conn net.Conn, stop func()) transporthost.Handle {
	h.mu.Lock()
	h.nextID++
	handle := transporthost.Handle(h.nextID)
	h.conns[handle] = &memConn{conn: conn, stop: stop}
	h.mu.Unlock()

	go h.readLoop(handle, conn)
	return handle
}

func (h *Host) readLoop(handle transporthost.Handle, conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		kind, payload, err := readFrame(br)
		if err != nil {
			h.mu.Lock()
			_, live := h.conns[handle]
			delete(h.conns, handle)
			h.mu.Unlock()
			if live {
				reason := "closed"
				if err != io.EOF {
					reason = err.Error()
				}
				h.emit(transporthost.Event{Kind: transporthost.EventDisconnected, Handle: handle, Reason: reason})
			}
			return
		}
		h.emit(transporthost.Event{Kind: transporthost.EventReceived, Handle: handle, StreamKind: kind, Bytes: payload})
	}
}

func (h *Host) Close(handle transporthost.Handle) error {
	h.mu.Lock()
	mc, ok := h.conns[handle]
	delete(h.conns, handle)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	mc.stop()
	return mc.conn.Close()
}

func (h *Host) Send(handle transporthost.Handle, kind transporthost.StreamKind, bytes []byte) error {
	h.mu.Lock()
	mc, ok := h.conns[handle]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("memoryhost: unknown handle %d", handle)
	}
	return writeFrame(mc.conn, kind, bytes)
}

func (h *Host) emit(ev transporthost.Event) {
	select {
	case h.events <- ev:
	default:
		// A full event queue means nobody is draining Events(); dropping
		// here matches the resolver's own slow-subscriber policy rather
		// than blocking every bridge's delivery goroutine on one reader.
	}
}

// PublishDHTRecord records this host's reachability for deviceCode on the
// shared network until ttl elapses.
func (h *Host) PublishDHTRecord(ctx context.Context, key string, record transporthost.PeerRecord, ttl time.Duration) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	h.net.dht[key] = append(h.net.dht[key], dhtEntry{record: record, expiresAt: time.Now().Add(ttl)})
	return nil
}

// LookupDHT returns a closed-after-one-batch channel of every unexpired
// record published for deviceCode, mirroring how candidate.Resolver's
// lookupOnce consumes it: one snapshot per call, polled again on its own
// interval.
func (h *Host) LookupDHT(ctx context.Context, deviceCode string) (<-chan transporthost.PeerRecord, error) {
	h.net.mu.Lock()
	entries := h.net.dht[deviceCode]
	now := time.Now()
	fresh := entries[:0:0]
	for _, e := range entries {
		if now.Before(e.expiresAt) {
			fresh = append(fresh, e)
		}
	}
	h.net.dht[deviceCode] = fresh
	out := make(chan transporthost.PeerRecord, len(fresh))
	for _, e := range fresh {
		out <- e.record
	}
	h.net.mu.Unlock()
	close(out)
	return out, nil
}

// writeFrame/readFrame are a minimal kind+length+payload framing for the
// bridge's raw byte stream; distinct from pkg/envelope's frame, which
// frames an already-encoded Envelope and never travels over this layer
// directly (the engine hands this Host discrete Envelope-encoded byte
// slices via Send, exactly as it would a real transport's message API).

func writeFrame(w io.Writer, kind transporthost.StreamKind, payload []byte) error {
	var header [5]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) (transporthost.StreamKind, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return transporthost.StreamKind(header[0]), payload, nil
}

var _ transporthost.Host = (*Host)(nil)
