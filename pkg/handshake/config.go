package handshake

import "time"

// MinNonceSize is the minimum nonce length accepted (spec.md §4.5: "nonce
// (≥96 random bits)").
const MinNonceSize = 12 // 96 bits

// nonceSize is the size of nonce this engine draws when building outbound
// requests/accepts. Larger than the minimum accepted size for margin.
const nonceSize = 16

// DefaultClockSkew is the tolerance window for timestamp validation
// (spec.md §4.5 step 2: "within ±30 s of local clock").
const DefaultClockSkew = 30 * time.Second

// DefaultProtocolVersionMajor/Minor are the versions this engine builds
// outbound requests with.
const (
	DefaultProtocolVersionMajor uint8 = 1
	DefaultProtocolVersionMinor uint8 = 0
)

// Config configures an Engine.
type Config struct {
	// ProtocolVersionMajor/Minor are stamped on outbound requests.
	ProtocolVersionMajor uint8
	ProtocolVersionMinor uint8

	// MinProtocolVersionMinor is the lowest minor version accepted from a
	// peer on the same major version (spec.md §4.5 step 1).
	MinProtocolVersionMinor uint8

	// ClockSkew bounds how far a peer's timestamp may drift from ours.
	// Defaults to DefaultClockSkew.
	ClockSkew time.Duration

	// Now returns the current time. Overridable for deterministic tests;
	// defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with the spec's defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolVersionMajor:    DefaultProtocolVersionMajor,
		ProtocolVersionMinor:    DefaultProtocolVersionMinor,
		MinProtocolVersionMinor: 0,
		ClockSkew:               DefaultClockSkew,
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
