package dial

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aetherlink/aetherlink/pkg/candidate"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeConn struct {
	addr string

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Read(b []byte) (int, error)  { return 0, io.EOF }
func (c *fakeConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr(c.addr) }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr(c.addr) }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// scriptedCapability is a Dialer/Puncher/RelayDialer all in one: each
// call blocks until either ctx is cancelled (returning ctx.Err()) or, if
// succeedAfter is non-zero, returns a fresh fakeConn after that delay.
// With ignoreCancel set, a call with a non-zero succeedAfter always waits
// out the delay and returns a fakeConn, even once ctx is cancelled.
type scriptedCapability struct {
	succeedAfter time.Duration
	fail         bool
	ignoreCancel bool

	mu      sync.Mutex
	conns   []*fakeConn
	attempt int
}

func (s *scriptedCapability) call(ctx context.Context, addr string) (Transport, error) {
	if s.fail {
		return nil, ErrDialTimeout
	}
	if s.succeedAfter <= 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	done := ctx.Done()
	if s.ignoreCancel {
		done = nil
	}
	select {
	case <-time.After(s.succeedAfter):
		c := &fakeConn{addr: addr}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.attempt++
		s.mu.Unlock()
		return c, nil
	case <-done:
		return nil, ctx.Err()
	}
}

func (s *scriptedCapability) Dial(ctx context.Context, addr string) (Transport, error) { return s.call(ctx, addr) }
func (s *scriptedCapability) Punch(ctx context.Context, addr string) (Transport, error) {
	return s.call(ctx, addr)
}
func (s *scriptedCapability) DialRelay(ctx context.Context, addr string) (Transport, error) {
	return s.call(ctx, addr)
}

func fastConfig() Config {
	return Config{
		DirectBudget:     80 * time.Millisecond,
		PunchBudget:      80 * time.Millisecond,
		RelayBudget:      80 * time.Millisecond,
		PunchStartOffset: 30 * time.Millisecond,
		RelayStartOffset: 60 * time.Millisecond,
	}
}

func directCandidate(addr string) candidate.Candidate {
	return candidate.Candidate{
		TargetDeviceCode: "TARGET",
		ReachableAddress: addr,
		Source:           candidate.SourceDHT,
		Priority:         candidate.PriorityDirectPublic,
		ExpiresAtMs:      1 << 40,
	}
}

func lanCandidate(addr string) candidate.Candidate {
	return candidate.Candidate{
		TargetDeviceCode: "TARGET",
		ReachableAddress: addr,
		Source:           candidate.SourceLAN,
		Priority:         candidate.PriorityLANObserved,
		ExpiresAtMs:      1 << 40,
	}
}

func relayCandidate(addr string) candidate.Candidate {
	return candidate.Candidate{
		TargetDeviceCode: "TARGET",
		ReachableAddress: addr,
		Source:           candidate.SourceRelayAdvert,
		Priority:         candidate.PriorityRelayAdvertised,
		ExpiresAtMs:      1 << 40,
	}
}

func TestCoordinator_DirectWinsImmediately(t *testing.T) {
	direct := &scriptedCapability{succeedAfter: 5 * time.Millisecond}
	c := New(direct, nil, nil, fastConfig())

	candidates := make(chan []candidate.Candidate, 1)
	candidates <- []candidate.Candidate{directCandidate("203.0.113.5:9000")}

	res, err := c.Race(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if res.Phase != PhaseDirect {
		t.Fatalf("expected PhaseDirect to win, got %v", res.Phase)
	}
}

func TestCoordinator_FallsBackToPunchWhenDirectNeverConnects(t *testing.T) {
	direct := &scriptedCapability{} // blocks until its budget expires
	punch := &scriptedCapability{succeedAfter: 5 * time.Millisecond}
	c := New(direct, punch, nil, fastConfig())

	candidates := make(chan []candidate.Candidate, 1)
	candidates <- []candidate.Candidate{
		directCandidate("203.0.113.5:9000"),
		lanCandidate("192.168.1.5:4000"),
	}

	res, err := c.Race(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if res.Phase != PhasePunch {
		t.Fatalf("expected PhasePunch to win, got %v", res.Phase)
	}
}

func TestCoordinator_FallsBackToRelayWhenEarlierPhasesFail(t *testing.T) {
	direct := &scriptedCapability{fail: true}
	punch := &scriptedCapability{fail: true}
	relay := &scriptedCapability{succeedAfter: 5 * time.Millisecond}
	c := New(direct, punch, relay, fastConfig())

	candidates := make(chan []candidate.Candidate, 1)
	candidates <- []candidate.Candidate{
		directCandidate("203.0.113.5:9000"),
		lanCandidate("192.168.1.5:4000"),
		relayCandidate("relay.example:9000"),
	}

	res, err := c.Race(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if res.Phase != PhaseRelay {
		t.Fatalf("expected PhaseRelay to win, got %v", res.Phase)
	}
}

func TestCoordinator_NoPathWhenAllPhasesExhausted(t *testing.T) {
	direct := &scriptedCapability{fail: true}
	punch := &scriptedCapability{fail: true}
	relay := &scriptedCapability{fail: true}
	c := New(direct, punch, relay, fastConfig())

	candidates := make(chan []candidate.Candidate, 1)
	candidates <- []candidate.Candidate{
		directCandidate("203.0.113.5:9000"),
		lanCandidate("192.168.1.5:4000"),
		relayCandidate("relay.example:9000"),
	}

	_, err := c.Race(context.Background(), candidates)
	if err != ErrNoPath {
		t.Fatalf("expected ErrNoPath, got %v", err)
	}
}

func TestCoordinator_NoPathWithoutAnyDialerWired(t *testing.T) {
	c := New(nil, nil, nil, fastConfig())

	candidates := make(chan []candidate.Candidate, 1)
	candidates <- []candidate.Candidate{directCandidate("203.0.113.5:9000")}

	_, err := c.Race(context.Background(), candidates)
	if err != ErrNoPath {
		t.Fatalf("expected ErrNoPath, got %v", err)
	}
}

func TestCoordinator_LoserTransportClosedAfterWinnerChosen(t *testing.T) {
	// Punch succeeds quickly; direct ignores the cancellation the win
	// triggers and succeeds later but before its budget expires, so it
	// connects after punch has already won.
	direct := &scriptedCapability{succeedAfter: 50 * time.Millisecond, ignoreCancel: true}
	punch := &scriptedCapability{succeedAfter: 5 * time.Millisecond}
	c := New(direct, punch, nil, fastConfig())

	candidates := make(chan []candidate.Candidate, 1)
	candidates <- []candidate.Candidate{
		directCandidate("203.0.113.5:9000"),
		lanCandidate("192.168.1.5:4000"),
	}

	res, err := c.Race(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if res.Phase != PhasePunch {
		t.Fatalf("expected PhasePunch to win, got %v", res.Phase)
	}

	// Give the late direct connect + drainLosers time to run and close it.
	time.Sleep(100 * time.Millisecond)
	direct.mu.Lock()
	conns := direct.conns
	direct.mu.Unlock()
	if len(conns) != 1 {
		t.Fatalf("expected the late direct attempt to still have connected, got %d conns", len(conns))
	}
	if !conns[0].isClosed() {
		t.Fatal("expected the losing direct transport to be closed")
	}
}

func TestCoordinator_LaterCandidateBatchIsRaced(t *testing.T) {
	direct := &scriptedCapability{} // never connects, forces the wait for a later batch
	punch := &scriptedCapability{succeedAfter: 5 * time.Millisecond}
	c := New(direct, punch, nil, fastConfig())

	candidates := make(chan []candidate.Candidate, 2)
	candidates <- []candidate.Candidate{directCandidate("203.0.113.5:9000")}

	go func() {
		time.Sleep(35 * time.Millisecond) // after the punch phase has opened
		candidates <- []candidate.Candidate{lanCandidate("192.168.1.5:4000")}
	}()

	res, err := c.Race(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if res.Phase != PhasePunch {
		t.Fatalf("expected the late-arriving LAN candidate to win via punch, got %v", res.Phase)
	}
}
