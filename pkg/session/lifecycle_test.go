package session

import (
	"errors"
	"testing"
)

func TestSession_HappyPathDirectConnect(t *testing.T) {
	s := New(RoleInitiator, "PEER-CODE", DefaultConfig())

	if err := s.StartConnect(); err != nil {
		t.Fatalf("StartConnect: %v", err)
	}
	if s.State() != Discovering {
		t.Fatalf("expected Discovering, got %v", s.State())
	}

	if err := s.CandidatesAvailable(); err != nil {
		t.Fatalf("CandidatesAvailable: %v", err)
	}
	if err := s.DirectConnected(); err != nil {
		t.Fatalf("DirectConnected: %v", err)
	}
	if s.State() != SecureHandshake {
		t.Fatalf("expected SecureHandshake, got %v", s.State())
	}
	if s.Path() != PathDirect {
		t.Fatalf("expected PathDirect, got %v", s.Path())
	}

	if err := s.AcceptVerified(); err != nil {
		t.Fatalf("AcceptVerified: %v", err)
	}
	if s.State() != Active {
		t.Fatalf("expected Active, got %v", s.State())
	}
}

func TestSession_FallsThroughPhasesToRelay(t *testing.T) {
	s := New(RoleInitiator, "PEER-CODE", DefaultConfig())
	mustNil(t, s.StartConnect())
	mustNil(t, s.CandidatesAvailable())
	mustNil(t, s.DirectBudgetExhausted())
	if s.State() != HolePunching {
		t.Fatalf("expected HolePunching, got %v", s.State())
	}
	mustNil(t, s.PunchBudgetExhausted())
	if s.State() != RelayDialing {
		t.Fatalf("expected RelayDialing, got %v", s.State())
	}
	mustNil(t, s.RelayConnected())
	if s.State() != SecureHandshake || s.Path() != PathRelayed {
		t.Fatalf("expected SecureHandshake/PathRelayed, got %v/%v", s.State(), s.Path())
	}
}

func TestSession_DiscoveryTimeoutFailsWithCause(t *testing.T) {
	s := New(RoleInitiator, "PEER-CODE", DefaultConfig())
	mustNil(t, s.StartConnect())

	if err := s.DiscoveryTimedOut(); err != nil {
		t.Fatalf("DiscoveryTimedOut: %v", err)
	}
	if s.State() != Failed {
		t.Fatalf("expected Failed, got %v", s.State())
	}
	if !errors.Is(s.FailureCause(), ErrDiscoveryTimeout) {
		t.Fatalf("expected ErrDiscoveryTimeout, got %v", s.FailureCause())
	}

	if err := s.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if s.State() != Idle {
		t.Fatalf("expected Idle after retry, got %v", s.State())
	}
	if s.FailureCause() != nil {
		t.Fatal("expected FailureCause to clear after returning to Idle")
	}
}

func TestSession_InvalidTransitionRejected(t *testing.T) {
	s := New(RoleInitiator, "PEER-CODE", DefaultConfig())
	err := s.DirectConnected() // Idle has no DirectConnected edge
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if s.State() != Idle {
		t.Fatal("a rejected transition must not change state")
	}
}

func TestSession_KeepaliveMissTriggersReconnecting(t *testing.T) {
	s := activeSession(t)

	if s.RecordPingMiss() {
		t.Fatal("first miss should not cross the threshold")
	}
	if s.RecordPingMiss() {
		t.Fatal("second miss should not cross the threshold")
	}
	if !s.RecordPingMiss() {
		t.Fatal("third consecutive miss should cross the threshold")
	}

	if err := s.PathLost(); err != nil {
		t.Fatalf("PathLost: %v", err)
	}
	if s.State() != Reconnecting {
		t.Fatalf("expected Reconnecting, got %v", s.State())
	}
}

func TestSession_PongResetsMissCounter(t *testing.T) {
	s := activeSession(t)
	s.RecordPingMiss()
	s.RecordPingMiss()
	s.RecordPong()
	if s.RecordPingMiss() {
		t.Fatal("miss counter should have reset after a pong")
	}
}

func TestSession_ReconnectRetryReturnsToDialingDirect(t *testing.T) {
	s := activeSession(t)
	s.RecordPingMiss()
	s.RecordPingMiss()
	s.RecordPingMiss()
	mustNil(t, s.PathLost())

	delay, err := s.ReconnectRetry()
	if err != nil {
		t.Fatalf("ReconnectRetry: %v", err)
	}
	if delay <= 0 {
		t.Fatal("expected a positive backoff delay")
	}
	if s.State() != DialingDirect {
		t.Fatalf("expected DialingDirect, got %v", s.State())
	}
}

func TestSession_SessionRequestAttemptsExhaust(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionRequestMaxAttempts = 2
	s := New(RoleInitiator, "PEER-CODE", cfg)
	mustNil(t, s.StartConnect())
	mustNil(t, s.CandidatesAvailable())
	mustNil(t, s.DirectConnected())

	if n, err := s.NextSessionRequestAttempt(); err != nil || n != 1 {
		t.Fatalf("expected attempt 1, got %d/%v", n, err)
	}
	if n, err := s.NextSessionRequestAttempt(); err != nil || n != 2 {
		t.Fatalf("expected attempt 2, got %d/%v", n, err)
	}
	if _, err := s.NextSessionRequestAttempt(); !errors.Is(err, ErrSessionRequestExhausted) {
		t.Fatalf("expected ErrSessionRequestExhausted, got %v", err)
	}
}

func TestSession_LocalAndPeerCloseBothReachClosed(t *testing.T) {
	s := activeSession(t)
	if err := s.LocalClose(); err != nil {
		t.Fatalf("LocalClose: %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("expected Closed, got %v", s.State())
	}

	s2 := activeSession(t)
	if err := s2.PeerClosed(); err != nil {
		t.Fatalf("PeerClosed: %v", err)
	}
	if s2.State() != Closed {
		t.Fatalf("expected Closed, got %v", s2.State())
	}
}

func activeSession(t *testing.T) *Session {
	t.Helper()
	s := New(RoleInitiator, "PEER-CODE", DefaultConfig())
	mustNil(t, s.StartConnect())
	mustNil(t, s.CandidatesAvailable())
	mustNil(t, s.DirectConnected())
	mustNil(t, s.AcceptVerified())
	return s
}

func mustNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
