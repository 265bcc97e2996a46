package dial

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
)

// Transport is the opaque connected handle a successful attempt hands back
// to the session layer. It is deliberately narrow: the dial coordinator's
// job ends at "connected", not at framing or encryption (spec.md §4.7
// hands the transport to C5).
type Transport interface {
	net.Conn
}

// Dialer is the direct-phase capability: a plain connect to a candidate's
// reachable address. This is the TransportHost.dial(multiaddr) capability
// from spec.md §6, narrowed to what the direct phase needs.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// Puncher is the punch-phase capability: establish a NAT binding for addr
// via a STUN exchange and hand back the resulting socket.
type Puncher interface {
	Punch(ctx context.Context, addr string) (Transport, error)
}

// RelayDialer is the relay-phase capability: allocate a TURN relay and
// bind a permission for addr, handing back a transport that reads/writes
// through the relay.
type RelayDialer interface {
	DialRelay(ctx context.Context, addr string) (Transport, error)
}

// NetDialer is the default Dialer, a thin context-aware wrapper over
// net.Dialer for the direct phase.
type NetDialer struct {
	Network string // defaults to "tcp"
}

func (d NetDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", ErrDialTimeout, addr)
		}
		return nil, fmt.Errorf("dial: direct dial %s: %w", addr, err)
	}
	return conn, nil
}

// StunPuncher punches a UDP NAT binding with a STUN Binding Request/
// Response exchange against addr, which is treated as the peer's
// candidate address doubling as the STUN-capable endpoint to bind
// through (spec.md §4.7: "hole punching is, mechanically, a STUN
// exchange through the NAT binding").
type StunPuncher struct {
	// ReadTimeout bounds a single Binding Response wait when ctx carries no
	// deadline; when it does, the ctx deadline bounds the wait instead.
	// Defaults to 500ms.
	ReadTimeout time.Duration
}

func (p StunPuncher) Punch(ctx context.Context, addr string) (Transport, error) {
	readTimeout := p.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 500 * time.Millisecond
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrPunchFailed, addr, err)
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: build binding request: %v", ErrPunchFailed, err)
	}

	for {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		} else {
			conn.SetDeadline(time.Now().Add(readTimeout))
		}

		if _, err := conn.Write(msg.Raw); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: write binding request: %v", ErrPunchFailed, err)
		}

		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		if err == nil {
			resp := &stun.Message{Raw: buf[:n]}
			if decErr := resp.Decode(); decErr == nil {
				var xorAddr stun.XORMappedAddress
				if getErr := xorAddr.GetFrom(resp); getErr == nil {
					conn.SetDeadline(time.Time{})
					return conn, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrPunchFailed, ctx.Err())
		default:
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("%w: read binding response: %v", ErrPunchFailed, err)
			}
		}
	}
}

// TurnRelayDialer allocates a TURN relay on a configured relay server and
// creates a permission for the candidate's relay address, handing back a
// transport that reads/writes through the allocation.
type TurnRelayDialer struct {
	// ServerAddr is the TURN server's address (host:port). The relay-phase
	// candidate's ReachableAddress is the peer address to create a
	// permission for, not the server itself.
	ServerAddr string
	Username   string
	Password   string
	Realm      string
}

func (d TurnRelayDialer) DialRelay(ctx context.Context, addr string) (Transport, error) {
	if d.ServerAddr == "" {
		return nil, fmt.Errorf("%w: no TURN server configured", ErrRelayUnavailable)
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", ErrRelayUnavailable, err)
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: d.ServerAddr,
		TURNServerAddr: d.ServerAddr,
		Conn:           conn,
		Username:       d.Username,
		Password:       d.Password,
		Realm:          d.Realm,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: new client: %v", ErrRelayUnavailable, err)
	}

	if err := client.Listen(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: listen: %v", ErrRelayUnavailable, err)
	}

	allocated, err := client.Allocate()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: allocate: %v", ErrRelayUnavailable, err)
	}
	relayConn, ok := allocated.(*turn.UDPConn)
	if !ok {
		allocated.Close()
		client.Close()
		return nil, fmt.Errorf("%w: unexpected allocation type %T", ErrRelayUnavailable, allocated)
	}

	peerAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		relayConn.Close()
		client.Close()
		return nil, fmt.Errorf("%w: resolve peer addr %s: %v", ErrRelayUnavailable, addr, err)
	}
	if err := relayConn.CreatePermission(peerAddr); err != nil {
		relayConn.Close()
		client.Close()
		return nil, fmt.Errorf("%w: create permission: %v", ErrRelayUnavailable, err)
	}

	return &relayTransport{UDPConn: relayConn, client: client, peer: peerAddr}, nil
}

// relayTransport adapts a TURN relay connection to net.Conn, fixing the
// remote address to the peer a permission was created for.
type relayTransport struct {
	*turn.UDPConn
	client *turn.Client
	peer   net.Addr
}

func (t *relayTransport) Read(b []byte) (int, error) {
	n, _, err := t.UDPConn.ReadFrom(b)
	return n, err
}

func (t *relayTransport) Write(b []byte) (int, error) {
	return t.UDPConn.WriteTo(b, t.peer)
}

func (t *relayTransport) RemoteAddr() net.Addr { return t.peer }

func (t *relayTransport) Close() error {
	err := t.UDPConn.Close()
	t.client.Close()
	return err
}
