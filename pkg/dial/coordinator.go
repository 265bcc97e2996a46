// Package dial implements the staged parallel dial race that turns a
// candidate stream for one target into a single connected transport
// (spec.md §4.7).
//
// Grounded on pkg/exchange.Manager's in-flight-attempt bookkeeping (a
// table of outstanding work keyed by an identifier, each entry carrying
// its own timeout, reaped as attempts complete) generalized from MRP
// retransmission entries to dial attempts, and on
// pkg/exchange.BackoffCalculator's injectable RandomSource pattern for
// the clock injection used in tests here.
package dial

import (
	"context"
	"fmt"
	"time"

	"github.com/aetherlink/aetherlink/pkg/candidate"
)

// Phase identifies which stage of the race an attempt belongs to.
type Phase uint8

const (
	PhaseDirect Phase = iota
	PhasePunch
	PhaseRelay
)

func (p Phase) String() string {
	switch p {
	case PhaseDirect:
		return "direct"
	case PhasePunch:
		return "punch"
	case PhaseRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Result is the winning attempt of a race.
type Result struct {
	Transport Transport
	Candidate candidate.Candidate
	Phase     Phase
}

// Coordinator races direct, punch, and relay attempts against a candidate
// stream and hands the first connected transport back to the caller. Any
// of dialer/puncher/relay may be nil, in which case that phase's
// candidates (if any arrive) fail immediately with ErrNoDialer.
type Coordinator struct {
	cfg     Config
	dialer  Dialer
	puncher Puncher
	relay   RelayDialer
}

// New creates a Coordinator.
func New(dialer Dialer, puncher Puncher, relay RelayDialer, cfg Config) *Coordinator {
	if cfg.DirectBudget <= 0 {
		cfg.DirectBudget = DefaultDirectBudget
	}
	if cfg.PunchBudget <= 0 {
		cfg.PunchBudget = DefaultPunchBudget
	}
	if cfg.RelayBudget <= 0 {
		cfg.RelayBudget = DefaultRelayBudget
	}
	if cfg.PunchStartOffset <= 0 {
		cfg.PunchStartOffset = DefaultPunchStartOffset
	}
	if cfg.RelayStartOffset <= 0 {
		cfg.RelayStartOffset = DefaultRelayStartOffset
	}
	return &Coordinator{cfg: cfg, dialer: dialer, puncher: puncher, relay: relay}
}

// classifyPhase maps a candidate's priority band to the race phase that
// should dial it. Cache hits and DHT-resolved direct addresses race
// immediately; LAN-observed addresses are assumed reachable only via a
// punch, since the resolver cannot tell from an mDNS observation alone
// whether the peer sits behind a NAT on its own segment; everything else
// (relay adverts) only races once the relay phase opens.
func classifyPhase(c candidate.Candidate) Phase {
	switch {
	case c.Priority >= candidate.PriorityDirectPublic:
		return PhaseDirect
	case c.Priority == candidate.PriorityLANObserved:
		return PhasePunch
	default:
		return PhaseRelay
	}
}

func selectPhase(batch []candidate.Candidate, phase Phase) []candidate.Candidate {
	var out []candidate.Candidate
	for _, c := range batch {
		if classifyPhase(c) == phase {
			out = append(out, c)
		}
	}
	return out
}

type attemptResult struct {
	key       string
	candidate candidate.Candidate
	phase     Phase
	transport Transport
	err       error
}

// Race consumes candidate batches from candidates (as produced by
// candidate.Resolver.Subscribe) and runs the staged schedule from
// spec.md §4.7 against them: direct attempts from t=0, punch attempts
// from t=PunchStartOffset if nothing has connected yet, relay attempts
// from t=RelayStartOffset under the same condition. The first attempt to
// connect wins; every other in-flight attempt is cancelled cooperatively
// via its context. If every phase is exhausted without a winner, Race
// returns ErrNoPath.
func (c *Coordinator) Race(ctx context.Context, candidates <-chan []candidate.Candidate) (Result, error) {
	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	results := make(chan attemptResult, 32)

	// Every map below is touched only from this goroutine: runAttempt
	// goroutines communicate back solely through results, never by
	// reaching into the coordinator's own bookkeeping.
	inFlight := make(map[string]context.CancelFunc)
	launchedKeys := make(map[string]bool)
	started := map[Phase]bool{PhaseDirect: true}
	var latest []candidate.Candidate
	connected := false

	budgetFor := func(p Phase) time.Duration {
		switch p {
		case PhaseDirect:
			return c.cfg.DirectBudget
		case PhasePunch:
			return c.cfg.PunchBudget
		default:
			return c.cfg.RelayBudget
		}
	}

	launch := func(phase Phase, cands []candidate.Candidate) {
		for _, cand := range cands {
			key := fmt.Sprintf("%s|%s", phase, cand.ReachableAddress)
			if launchedKeys[key] {
				continue
			}
			launchedKeys[key] = true

			attemptCtx, cancel := context.WithTimeout(raceCtx, budgetFor(phase))
			inFlight[key] = cancel

			go c.runAttempt(attemptCtx, key, phase, cand, results)
		}
	}

	launch(PhaseDirect, selectPhase(latest, PhaseDirect))

	punchTimer := time.NewTimer(c.cfg.PunchStartOffset)
	relayTimer := time.NewTimer(c.cfg.RelayStartOffset)
	defer punchTimer.Stop()
	defer relayTimer.Stop()

	exhausted := func() bool {
		return !connected && started[PhaseRelay] && len(inFlight) == 0
	}

	for {
		select {
		case <-raceCtx.Done():
			return Result{}, raceCtx.Err()

		case batch, ok := <-candidates:
			if !ok {
				candidates = nil
				break
			}
			latest = batch
			for p, on := range started {
				if on {
					launch(p, selectPhase(batch, p))
				}
			}

		case <-punchTimer.C:
			if !started[PhasePunch] {
				started[PhasePunch] = true
				if !connected {
					launch(PhasePunch, selectPhase(latest, PhasePunch))
				}
			}

		case <-relayTimer.C:
			if !started[PhaseRelay] {
				started[PhaseRelay] = true
				if !connected {
					launch(PhaseRelay, selectPhase(latest, PhaseRelay))
				}
			}

		case res := <-results:
			delete(inFlight, res.key)

			if res.err != nil {
				break
			}
			if connected {
				_ = res.transport.Close()
				break
			}
			connected = true

			for _, cancel := range inFlight {
				cancel()
			}

			go drainLosers(results, c.cfg.RelayBudget)

			return Result{Transport: res.transport, Candidate: res.candidate, Phase: res.phase}, nil
		}

		if exhausted() {
			return Result{}, ErrNoPath
		}
	}
}

// drainLosers closes any transport a still-finishing attempt manages to
// hand back after the race already has a winner. It gives up after grace,
// by which point every cancelled attempt's context should have unwound.
func drainLosers(results <-chan attemptResult, grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for {
		select {
		case res := <-results:
			if res.err == nil && res.transport != nil {
				_ = res.transport.Close()
			}
		case <-deadline.C:
			return
		}
	}
}

func (c *Coordinator) runAttempt(ctx context.Context, key string, phase Phase, cand candidate.Candidate, results chan<- attemptResult) {
	var (
		transport Transport
		err       error
	)

	switch phase {
	case PhaseDirect:
		if c.dialer == nil {
			err = ErrNoDialer
		} else {
			transport, err = c.dialer.Dial(ctx, cand.ReachableAddress)
		}
	case PhasePunch:
		if c.puncher == nil {
			err = ErrNoDialer
		} else {
			transport, err = c.puncher.Punch(ctx, cand.ReachableAddress)
		}
	case PhaseRelay:
		if c.relay == nil {
			err = ErrNoDialer
		} else {
			transport, err = c.relay.DialRelay(ctx, cand.ReachableAddress)
		}
	}

	select {
	case results <- attemptResult{key: key, candidate: cand, phase: phase, transport: transport, err: err}:
	case <-ctx.Done():
		if transport != nil {
			_ = transport.Close()
		}
	}
}
