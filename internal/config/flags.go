// Package config parses the aetherlinkd daemon's command-line flags into
// the typed Options the rest of cmd/aetherlinkd wires up, grounded on
// examples/common.ParseFlags's shape: one Options struct, one ParseFlags
// entry point, explicit defaults documented next to each flag.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Options holds aetherlinkd's standard CLI flags.
type Options struct {
	// IdentityPath is where the long-term Ed25519 identity is persisted.
	IdentityPath string

	// TrustStorePath is where known-peer trust bindings are persisted.
	TrustStorePath string

	// TrustOnFirstUse enables auto-accepting a never-seen peer's device
	// code on its first successful handshake (spec.md §4.2).
	TrustOnFirstUse bool

	// ListenAddr is the TCP address aetherlinkd accepts inbound control
	// connections on.
	ListenAddr string

	// DeviceName is a human-readable label shown in onboarding output.
	DeviceName string

	// Capabilities advertised in outbound SessionRequests, comma-separated
	// on the command line.
	Capabilities []string

	// KeepaliveInterval overrides the Active-state keepalive ping cadence.
	KeepaliveInterval time.Duration
}

// DefaultOptions returns Options with aetherlinkd's standard defaults.
func DefaultOptions() Options {
	return Options{
		IdentityPath:      defaultStatePath("identity.key"),
		TrustStorePath:    defaultStatePath("trust.json"),
		TrustOnFirstUse:   true,
		ListenAddr:        ":7780",
		DeviceName:        "aetherlink-node",
		Capabilities:      []string{"control", "input"},
		KeepaliveInterval: 0, // 0 defers to session.DefaultKeepaliveInterval
	}
}

func defaultStatePath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return dir + "/aetherlink/" + name
}

// ParseFlags parses aetherlinkd's standard CLI flags and returns Options.
// Flags:
//
//	-identity    path to the persisted identity key (default: user config dir)
//	-trust-store path to the persisted trust store (default: user config dir)
//	-tofu        trust-on-first-use for unseen peers (default: true)
//	-listen      inbound control listen address (default: ":7780")
//	-name        human-readable device name
//	-caps        comma-separated capabilities to advertise
//	-keepalive   Active-state keepalive interval (0 = package default)
func ParseFlags() Options {
	defaults := DefaultOptions()
	o := Options{}

	flag.StringVar(&o.IdentityPath, "identity", defaults.IdentityPath, "path to the persisted identity key")
	flag.StringVar(&o.TrustStorePath, "trust-store", defaults.TrustStorePath, "path to the persisted trust store")
	flag.BoolVar(&o.TrustOnFirstUse, "tofu", defaults.TrustOnFirstUse, "trust-on-first-use for unseen peers")
	flag.StringVar(&o.ListenAddr, "listen", defaults.ListenAddr, "inbound control listen address")
	flag.StringVar(&o.DeviceName, "name", defaults.DeviceName, "human-readable device name")
	caps := flag.String("caps", "control,input", "comma-separated capabilities to advertise")
	flag.DurationVar(&o.KeepaliveInterval, "keepalive", defaults.KeepaliveInterval, "Active-state keepalive interval (0 = package default)")

	flag.Parse()

	o.Capabilities = splitNonEmpty(*caps, ',')
	if len(o.Capabilities) == 0 {
		o.Capabilities = defaults.Capabilities
	}
	return o
}

func splitNonEmpty(s string, sep rune) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == sep {
			if field := s[start:i]; field != "" {
				out = append(out, field)
			}
			start = i + len(string(sep))
		}
	}
	if field := s[start:]; field != "" {
		out = append(out, field)
	}
	return out
}

// PrintUsage prints usage information to stderr.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}
