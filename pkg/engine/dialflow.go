package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/aetherlink/aetherlink/pkg/candidate"
	"github.com/aetherlink/aetherlink/pkg/dial"
	"github.com/aetherlink/aetherlink/pkg/registry"
	"github.com/aetherlink/aetherlink/pkg/session"
)

// teeCandidates watches a resolver subscription, posts a candidatesAvailable
// event to inbox the first time a batch arrives, and forwards every batch
// unchanged to the returned channel — which is what the dial coordinator
// actually races over. This lets the engine observe "discovery produced
// something" without consuming the stream the coordinator itself needs.
func teeCandidates(ctx context.Context, inbox chan<- inboxEvent, id uuid.UUID, in <-chan []candidate.Candidate) <-chan []candidate.Candidate {
	out := make(chan []candidate.Candidate)
	go func() {
		defer close(out)
		first := true
		for {
			select {
			case batch, ok := <-in:
				if !ok {
					return
				}
				if first {
					first = false
					select {
					case inbox <- candidatesAvailable{sessionID: id}:
					case <-ctx.Done():
						return
					}
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (e *Engine) handleCandidatesAvailable(v candidatesAvailable) {
	s, err := e.reg.Get(v.sessionID)
	if err != nil || s.State() != session.Discovering {
		return
	}
	if err := s.CandidatesAvailable(); err != nil {
		return
	}
	e.reg.Emit(sessionStateChangedEvent(s))
}

// handleDialOutcome reconciles the real, already-elapsed phase staging
// the dial coordinator performed internally with the session's own
// phase-transition events: a win in a later phase means the earlier
// phases' budgets already ran out for real, so the session walks through
// those *BudgetExhausted transitions before accepting the phase that
// actually won (spec.md §4.8's table only allows {HolePunching,
// PunchConnected} and {RelayDialing, RelayConnected}, never a direct jump
// from DialingDirect).
func (e *Engine) handleDialOutcome(v dialOutcome) {
	s, err := e.reg.Get(v.sessionID)
	if err != nil {
		return
	}

	if v.err != nil {
		s.DirectBudgetExhausted()
		s.PunchBudgetExhausted()
		if ferr := s.RelayBudgetExhausted(v.err); ferr != nil {
			e.logf("session %s: RelayBudgetExhausted: %v", s.ID(), ferr)
		}
		e.reg.Emit(sessionClosedEvent(s, v.err))
		e.dropSession(v.sessionID)
		return
	}

	switch v.result.Phase {
	case dial.PhaseDirect:
		s.DirectConnected()
	case dial.PhasePunch:
		s.DirectBudgetExhausted()
		s.PunchConnected()
	case dial.PhaseRelay:
		s.DirectBudgetExhausted()
		s.PunchBudgetExhausted()
		s.RelayConnected()
	}
	e.reg.Emit(registry.Event{Kind: registry.EventPathChosen, SessionID: s.ID(), PeerCode: s.PeerDeviceCode(), Path: s.Path().String()})

	e.conns[v.sessionID] = v.result.Transport
	e.wg.Add(1)
	go e.runReader(v.sessionID, v.result.Transport)

	e.sendSessionRequest(s)
}
