// Package lan is a real-network transporthost.Host: a TCP control stream
// plus mDNS-based LAN peer discovery, grounded on pkg/discovery's
// Advertiser/Resolver split (an injectable MDNSServerFactory/MDNSResolver
// pair wrapping github.com/grandcat/zeroconf, so tests can substitute a
// fake without touching a real network interface).
package lan

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"

	"github.com/aetherlink/aetherlink/pkg/transporthost"
)

// ServiceType is the DNS-SD service this package advertises and browses.
const ServiceType = "_aetherlink._tcp"

const serviceDomain = "local."

// deviceCodeTXTKey is the TXT record key a peer's device code is
// published under.
const deviceCodeTXTKey = "dc"

// MDNSServer mirrors pkg/discovery.MDNSServer: the live handle to a
// registered service, narrowed to what a caller needs to stop it.
type MDNSServer interface {
	Shutdown()
}

// MDNSServerFactory mirrors pkg/discovery.MDNSServerFactory.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// MDNSResolver mirrors pkg/discovery.MDNSResolver: the subset of
// zeroconf.Resolver a Host browses with.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfResolver struct{ r *zeroconf.Resolver }

func (z zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.r.Browse(ctx, service, domain, entries)
}

// Config configures a Host.
type Config struct {
	// DeviceCode identifies this node to peers, both over the TCP
	// identity exchange on connect and in its mDNS TXT record.
	DeviceCode string

	// Interfaces restricts which interfaces mDNS advertises/browses on.
	// Nil means all interfaces.
	Interfaces []net.Interface

	// ServerFactory and Resolver are overridable for tests; nil uses the
	// real zeroconf-backed implementation.
	ServerFactory MDNSServerFactory
	Resolver      MDNSResolver

	LoggerFactory logging.LoggerFactory
}

// Host is a transporthost.Host over real TCP connections, with LAN peer
// discovery via mDNS. DHT publish/lookup are not implemented at this
// layer — a LAN host has no DHT of its own, so PublishDHTRecord returns
// nil without publishing and LookupDHT returns an already-closed empty
// channel.
type Host struct {
	cfg Config
	log logging.LeveledLogger

	listener net.Listener

	mu      sync.Mutex
	conns   map[transporthost.Handle]net.Conn
	nextID  uint64
	mdns    MDNSServer
	events  chan transporthost.Event
	closed  bool
}

// NewHost creates a Host. Call Listen to accept inbound connections and
// StartAdvertising/StartBrowsing to participate in LAN discovery.
func NewHost(cfg Config) *Host {
	var log logging.LeveledLogger
	if cfg.LoggerFactory != nil {
		log = cfg.LoggerFactory.NewLogger("transporthost/lan")
	}
	return &Host{
		cfg:    cfg,
		log:    log,
		conns:  make(map[transporthost.Handle]net.Conn),
		events: make(chan transporthost.Event, 64),
	}
}

func (h *Host) Events() <-chan transporthost.Event { return h.events }

// Listen opens multiaddr (a "host:port" TCP address) for inbound dials
// and starts accepting them in the background until ctx is done.
func (h *Host) Listen(ctx context.Context, multiaddr string) error {
	ln, err := net.Listen("tcp", multiaddr)
	if err != nil {
		return fmt.Errorf("lan: listen %s: %w", multiaddr, err)
	}
	h.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.acceptConn(conn)
		}
	}()
	return nil
}

// Dial opens a TCP connection to multiaddr and exchanges device codes
// before reporting Connected, so the transport-observed peer identity
// spec.md §4.5 step 5 needs is available the moment the handle exists.
func (h *Host) Dial(ctx context.Context, multiaddr string) (transporthost.Handle, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", multiaddr)
	if err != nil {
		return 0, fmt.Errorf("lan: dial %s: %w", multiaddr, err)
	}

	peerCode, err := exchangeIdentity(conn, h.cfg.DeviceCode)
	if err != nil {
		conn.Close()
		return 0, err
	}

	handle := h.addConn(conn)
	h.emit(transporthost.Event{Kind: transporthost.EventConnected, Handle: handle, PeerIdentity: peerCode, PeerAddr: multiaddr})
	return handle, nil
}

func (h *Host) acceptConn(conn net.Conn) {
	peerCode, err := exchangeIdentity(conn, h.cfg.DeviceCode)
	if err != nil {
		conn.Close()
		return
	}
	handle := h.addConn(conn)
	h.emit(transporthost.Event{Kind: transporthost.EventConnected, Handle: handle, PeerIdentity: peerCode, PeerAddr: conn.RemoteAddr().String()})
}

// exchangeIdentity writes our device code and reads the peer's, both as
// a 2-byte-length-prefixed string, before any control traffic flows.
func exchangeIdentity(conn net.Conn, deviceCode string) (string, error) {
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(deviceCode)))
	buf = append(buf, deviceCode...)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Write(buf)
		errCh <- err
	}()

	br := bufio.NewReader(conn)
	var lenBuf [2]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	peerBuf := make([]byte, n)
	if _, err := io.ReadFull(br, peerBuf); err != nil {
		return "", err
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	return string(peerBuf), nil
}

func (h *Host) addConn(conn net.Conn) transporthost.Handle {
	h.mu.Lock()
	h.nextID++
	handle := transporthost.Handle(h.nextID)
	h.conns[handle] = conn
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
	conn, ok := h.conns[handle]
	delete(h.conns, handle)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

func (h *Host) Send(handle transporthost.Handle, kind transporthost.StreamKind, bytes []byte) error {
	h.mu.Lock()
	conn, ok := h.conns[handle]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("lan: unknown handle %d", handle)
	}
	return writeFrame(conn, kind, bytes)
}

func (h *Host) emit(ev transporthost.Event) {
	select {
	case h.events <- ev:
	default:
	}
}

// PublishDHTRecord is a no-op: a LAN host has no DHT of its own, so a
// resolver whose DHT client is this Host gets no DHT-sourced candidates.
func (h *Host) PublishDHTRecord(ctx context.Context, key string, record transporthost.PeerRecord, ttl time.Duration) error {
	return nil
}

// LookupDHT returns an already-closed empty channel; see PublishDHTRecord.
func (h *Host) LookupDHT(ctx context.Context, deviceCode string) (<-chan transporthost.PeerRecord, error) {
	out := make(chan transporthost.PeerRecord)
	close(out)
	return out, nil
}

// StartAdvertising registers this device's control port under
// ServiceType with deviceCode in its TXT record, so peers browsing the
// LAN can observe it.
func (h *Host) StartAdvertising(port int) error {
	factory := h.cfg.ServerFactory
	if factory == nil {
		factory = zeroconfServerFactory{}
	}
	server, err := factory.Register(h.cfg.DeviceCode, ServiceType, serviceDomain, port,
		[]string{deviceCodeTXTKey + "=" + h.cfg.DeviceCode}, h.cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("lan: mdns register: %w", err)
	}
	h.mu.Lock()
	h.mdns = server
	h.mu.Unlock()
	return nil
}

// StopAdvertising withdraws this device's mDNS registration, if any.
func (h *Host) StopAdvertising() {
	h.mu.Lock()
	server := h.mdns
	h.mdns = nil
	h.mu.Unlock()
	if server != nil {
		server.Shutdown()
	}
}

// StartBrowsing watches ServiceType entries until ctx is done, emitting
// an EventLanObserved for every peer entry whose TXT-advertised device
// code differs from our own (spec.md §4.6's LAN candidate source).
func (h *Host) StartBrowsing(ctx context.Context) error {
	resolver := h.cfg.Resolver
	if resolver == nil {
		zr, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("lan: new resolver: %w", err)
		}
		resolver = zeroconfResolver{r: zr}
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, serviceDomain, entries); err != nil {
		return fmt.Errorf("lan: browse: %w", err)
	}

	go func() {
		for entry := range entries {
			peerCode := txtValue(entry.Text, deviceCodeTXTKey)
			if peerCode == "" || peerCode == h.cfg.DeviceCode {
				continue
			}
			addr := preferredAddr(entry)
			if addr == "" {
				continue
			}
			h.emit(transporthost.Event{Kind: transporthost.EventLanObserved, PeerDeviceCode: peerCode, PeerAddr: addr})
		}
	}()
	return nil
}

func txtValue(txt []string, key string) string {
	prefix := key + "="
	for _, kv := range txt {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}

func preferredAddr(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		return fmt.Sprintf("%s:%d", ip.String(), entry.Port)
	}
	for _, ip := range entry.AddrIPv6 {
		return fmt.Sprintf("[%s]:%d", ip.String(), entry.Port)
	}
	return ""
}

func writeFrame(w io.Writer, kind transporthost.StreamKind, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
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
