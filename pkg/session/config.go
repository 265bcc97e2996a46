package session

import "time"

// Defaults from spec.md §4.8.
const (
	DefaultDiscoveryTimeout         = 2500 * time.Millisecond
	DefaultSessionRequestTimeout    = 1200 * time.Millisecond
	DefaultSessionRequestMaxAttempts = 3
	DefaultKeepaliveInterval        = 1000 * time.Millisecond
	DefaultKeepaliveMissLimit       = 3
	DefaultReconnectBudget          = 15 * time.Second
	DefaultReconnectBackoffInitial  = 200 * time.Millisecond
	DefaultReconnectBackoffMax      = 2 * time.Second
)

// Config configures session timers and budgets.
type Config struct {
	DiscoveryTimeout         time.Duration
	SessionRequestTimeout    time.Duration
	SessionRequestMaxAttempts int
	KeepaliveInterval        time.Duration
	KeepaliveMissLimit       int
	ReconnectBudget          time.Duration
	ReconnectBackoffInitial  time.Duration
	ReconnectBackoffMax      time.Duration

	// Now returns the current time. Overridable for deterministic tests;
	// defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the timer/budget defaults from spec.md §4.8.
func DefaultConfig() Config {
	return Config{
		DiscoveryTimeout:          DefaultDiscoveryTimeout,
		SessionRequestTimeout:     DefaultSessionRequestTimeout,
		SessionRequestMaxAttempts: DefaultSessionRequestMaxAttempts,
		KeepaliveInterval:         DefaultKeepaliveInterval,
		KeepaliveMissLimit:        DefaultKeepaliveMissLimit,
		ReconnectBudget:           DefaultReconnectBudget,
		ReconnectBackoffInitial:   DefaultReconnectBackoffInitial,
		ReconnectBackoffMax:       DefaultReconnectBackoffMax,
	}
}

func (c Config) withDefaults() Config {
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.SessionRequestTimeout <= 0 {
		c.SessionRequestTimeout = DefaultSessionRequestTimeout
	}
	if c.SessionRequestMaxAttempts <= 0 {
		c.SessionRequestMaxAttempts = DefaultSessionRequestMaxAttempts
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveMissLimit <= 0 {
		c.KeepaliveMissLimit = DefaultKeepaliveMissLimit
	}
	if c.ReconnectBudget <= 0 {
		c.ReconnectBudget = DefaultReconnectBudget
	}
	if c.ReconnectBackoffInitial <= 0 {
		c.ReconnectBackoffInitial = DefaultReconnectBackoffInitial
	}
	if c.ReconnectBackoffMax <= 0 {
		c.ReconnectBackoffMax = DefaultReconnectBackoffMax
	}
	return c
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
