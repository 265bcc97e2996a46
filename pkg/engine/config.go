package engine

import (
	"time"

	"github.com/pion/logging"

	"github.com/aetherlink/aetherlink/pkg/candidate"
	"github.com/aetherlink/aetherlink/pkg/dial"
	"github.com/aetherlink/aetherlink/pkg/handshake"
	"github.com/aetherlink/aetherlink/pkg/session"
)

// DropGrace is how long a Failed or Closed session stays resolvable by id
// after reaching a terminal state, to absorb duplicate late events
// (spec.md §3, "destroyed ... after a grace window").
const DropGrace = 5 * time.Second

// IdentityRotationInterval is how long a session stays Active before its
// outward-facing logical identity rotates, independent of the transport
// key material underneath it (spec.md §9, second Open Question).
const IdentityRotationInterval = 10 * time.Minute

// Config configures an Engine. Zero-valued fields fall back to the
// defaults each referenced package already defines.
type Config struct {
	// Capabilities advertised in outbound SessionRequests.
	Capabilities []string

	MaxSessions int

	DialConfig      dial.Config
	HandshakeConfig handshake.Config
	SessionConfig   session.Config
	ResolverConfig  candidate.Config

	// LoggerFactory for creating the engine's leveled logger. If nil,
	// logging is a no-op, matching pkg/discovery.Advertiser's pattern.
	LoggerFactory logging.LoggerFactory

	// Now returns the current time; overridable for deterministic tests.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
