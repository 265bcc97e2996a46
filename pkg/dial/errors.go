package dial

import "errors"

var (
	// ErrNoPath is returned when direct, punch, and relay phases are all
	// exhausted without any attempt connecting (spec.md §4.7).
	ErrNoPath = errors.New("dial: no path to peer")

	// ErrDialTimeout is returned by a direct attempt whose budget elapsed
	// before the underlying dial completed.
	ErrDialTimeout = errors.New("dial: direct dial timed out")

	// ErrPunchFailed is returned by a punch attempt that could not
	// establish a mapped binding within its budget.
	ErrPunchFailed = errors.New("dial: hole punch failed")

	// ErrRelayUnavailable is returned by a relay attempt that could not
	// allocate or use a TURN relay within its budget.
	ErrRelayUnavailable = errors.New("dial: relay unavailable")

	// ErrNoDialer is returned when a phase has candidates but no capability
	// implementation was wired in to service them.
	ErrNoDialer = errors.New("dial: no capability wired for this phase")
)
