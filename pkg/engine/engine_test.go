package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aetherlink/aetherlink/pkg/envelope"
	"github.com/aetherlink/aetherlink/pkg/handshake"
	"github.com/aetherlink/aetherlink/pkg/identity"
	"github.com/aetherlink/aetherlink/pkg/registry"
	"github.com/aetherlink/aetherlink/pkg/replay"
	"github.com/aetherlink/aetherlink/pkg/session"
	"github.com/aetherlink/aetherlink/pkg/transporthost"
	"github.com/aetherlink/aetherlink/pkg/trust"
)

// fakeHost is a minimal transporthost.Host double: the test drives it by
// pushing events directly and inspecting what was Send.
type fakeHost struct {
	events chan transporthost.Event
	sent   chan envelope.Envelope
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		events: make(chan transporthost.Event, 16),
		sent:   make(chan envelope.Envelope, 16),
	}
}

func (h *fakeHost) Events() <-chan transporthost.Event { return h.events }
func (h *fakeHost) Listen(ctx context.Context, multiaddr string) error { return nil }
func (h *fakeHost) Dial(ctx context.Context, multiaddr string) (transporthost.Handle, error) {
	return 0, nil
}
func (h *fakeHost) Close(handle transporthost.Handle) error { return nil }
func (h *fakeHost) Send(handle transporthost.Handle, kind transporthost.StreamKind, bytes []byte) error {
	env, err := envelope.Decode(bytes)
	if err != nil {
		return err
	}
	h.sent <- env
	return nil
}
func (h *fakeHost) PublishDHTRecord(ctx context.Context, key string, record transporthost.PeerRecord, ttl time.Duration) error {
	return nil
}
func (h *fakeHost) LookupDHT(ctx context.Context, deviceCode string) (<-chan transporthost.PeerRecord, error) {
	out := make(chan transporthost.PeerRecord)
	close(out)
	return out, nil
}

var _ transporthost.Host = (*fakeHost)(nil)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "identity.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return id
}

// TestEngineAcceptsInboundSessionRequest drives the responder half of the
// handshake end to end: a peer's signed SessionRequest arrives over a
// freshly connected handle, and the engine is expected to verify it,
// create a session, and answer with a signed SessionAccept that walks the
// session to Active (spec.md §4.5, §4.8).
func TestEngineAcceptsInboundSessionRequest(t *testing.T) {
	responderID := newTestIdentity(t)
	initiatorID := newTestIdentity(t)

	trustStore, err := trust.Open(trust.Config{TrustOnFirstUse: true})
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	replayCache := replay.New(replay.Config{})

	host := newFakeHost()
	eng := NewEngine(responderID, trustStore, replayCache, host, nil, Config{
		Capabilities: []string{"control"},
		SessionConfig: session.Config{
			KeepaliveInterval: time.Hour, // keep the keepalive timer out of the test's way
		},
	})

	var eventsMu sync.Mutex
	var events []registry.Event
	eng.AddListener(registry.ListenerFunc(func(e registry.Event) {
		eventsMu.Lock()
		events = append(events, e)
		eventsMu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	initiatorHS := handshake.NewEngine(initiatorID, trustStore, replay.New(replay.Config{}), handshake.DefaultConfig())
	req, err := initiatorHS.BuildRequest("initiator-local-session", []string{"control"})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	const handle = transporthost.Handle(1)
	host.events <- transporthost.Event{Kind: transporthost.EventConnected, Handle: handle, PeerIdentity: initiatorID.DeviceCode()}
	host.events <- transporthost.Event{
		Kind:       transporthost.EventReceived,
		Handle:     handle,
		StreamKind: transporthost.StreamControl,
		Bytes:      envelope.Encode(envelope.Envelope{Kind: envelope.KindSessionRequest, Payload: req.Encode()}),
	}

	var acceptEnv envelope.Envelope
	select {
	case acceptEnv = <-host.sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SessionAccept")
	}
	if acceptEnv.Kind != envelope.KindSessionAccept {
		t.Fatalf("got envelope kind %s, want SessionAccept", acceptEnv.Kind)
	}
	acc, err := envelope.DecodeSessionAccept(acceptEnv.Payload)
	if err != nil {
		t.Fatalf("DecodeSessionAccept: %v", err)
	}
	if acc.ResponderDeviceCode != responderID.DeviceCode() {
		t.Fatalf("accept responder code = %q, want %q", acc.ResponderDeviceCode, responderID.DeviceCode())
	}
	if string(acc.EchoedRequestNonce) != string(req.Nonce) {
		t.Fatal("accept did not echo the request nonce")
	}

	deadline := time.After(time.Second)
	for {
		sessions := eng.ListSessions()
		if len(sessions) == 1 && sessions[0].State == session.Active {
			if sessions[0].PeerDeviceCode != initiatorID.DeviceCode() {
				t.Fatalf("peer device code = %q, want %q", sessions[0].PeerDeviceCode, initiatorID.DeviceCode())
			}
			if sessions[0].Path != session.PathDirect {
				t.Fatalf("path = %v, want PathDirect", sessions[0].Path)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("session never reached Active, sessions=%+v", sessions)
		case <-time.After(5 * time.Millisecond):
		}
	}

	eventsMu.Lock()
	found := false
	for _, e := range events {
		if e.Kind == registry.EventStateChanged && e.PeerCode == initiatorID.DeviceCode() {
			found = true
		}
	}
	eventsMu.Unlock()
	if !found {
		t.Fatal("expected at least one EventStateChanged for the accepted peer")
	}
}

// TestEngineRejectsUnboundTransportIdentity exercises VerifyRequest's
// transport-identity-binding check (spec.md §4.5 step 5): a SessionRequest
// whose signed initiator_device_code does not match what the transport
// itself observed on the handle must be rejected, never accepted on the
// message's say-so alone.
func TestEngineRejectsUnboundTransportIdentity(t *testing.T) {
	responderID := newTestIdentity(t)
	initiatorID := newTestIdentity(t)
	impersonatedCode := "not-the-real-peer"

	trustStore, err := trust.Open(trust.Config{TrustOnFirstUse: true})
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	replayCache := replay.New(replay.Config{})

	host := newFakeHost()
	eng := NewEngine(responderID, trustStore, replayCache, host, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	initiatorHS := handshake.NewEngine(initiatorID, trustStore, replay.New(replay.Config{}), handshake.DefaultConfig())
	req, err := initiatorHS.BuildRequest("initiator-local-session", nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	const handle = transporthost.Handle(1)
	host.events <- transporthost.Event{Kind: transporthost.EventConnected, Handle: handle, PeerIdentity: impersonatedCode}
	host.events <- transporthost.Event{
		Kind:       transporthost.EventReceived,
		Handle:     handle,
		StreamKind: transporthost.StreamControl,
		Bytes:      envelope.Encode(envelope.Envelope{Kind: envelope.KindSessionRequest, Payload: req.Encode()}),
	}

	var rejectEnv envelope.Envelope
	select {
	case rejectEnv = <-host.sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SessionReject")
	}
	if rejectEnv.Kind != envelope.KindSessionReject {
		t.Fatalf("got envelope kind %s, want SessionReject", rejectEnv.Kind)
	}
	rej, err := envelope.DecodeSessionReject(rejectEnv.Payload)
	if err != nil {
		t.Fatalf("DecodeSessionReject: %v", err)
	}
	if rej.ReasonCode != "transport_identity_mismatch" {
		t.Fatalf("reject reason = %q, want transport_identity_mismatch", rej.ReasonCode)
	}
	if sessions := eng.ListSessions(); len(sessions) != 0 {
		t.Fatalf("expected no session created for a rejected request, got %+v", sessions)
	}
}
