package dial

import "time"

// Phase schedule and per-phase budgets from spec.md §4.7.
const (
	DefaultDirectBudget = 1500 * time.Millisecond
	DefaultPunchBudget  = 2200 * time.Millisecond
	DefaultRelayBudget  = 2500 * time.Millisecond

	DefaultPunchStartOffset = 200 * time.Millisecond
	DefaultRelayStartOffset = 1600 * time.Millisecond
)

// Config configures a Coordinator's phase schedule and budgets.
type Config struct {
	DirectBudget time.Duration
	PunchBudget  time.Duration
	RelayBudget  time.Duration

	// PunchStartOffset/RelayStartOffset are measured from race start, not
	// from the end of the preceding phase: a phase starts at its offset
	// only if nothing has connected by then (spec.md §4.7).
	PunchStartOffset time.Duration
	RelayStartOffset time.Duration

	// Now returns the current time. Overridable for deterministic tests;
	// defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the phase schedule from spec.md §4.7.
func DefaultConfig() Config {
	return Config{
		DirectBudget:     DefaultDirectBudget,
		PunchBudget:      DefaultPunchBudget,
		RelayBudget:      DefaultRelayBudget,
		PunchStartOffset: DefaultPunchStartOffset,
		RelayStartOffset: DefaultRelayStartOffset,
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
