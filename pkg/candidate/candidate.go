// Package candidate aggregates reachable-address observations for a target
// device from the local cache, LAN multicast, and the distributed hash
// table, and hands a deduplicated, priority-ordered stream to the dial
// coordinator (spec.md §4.6).
//
// Grounded on pkg/discovery's Manager/Advertiser split: a Manager-shaped
// Resolver composing a cache, an mDNS-fed LAN source, and a DHT source,
// each independently swappable the way the teacher injects an
// MDNSServerFactory/MDNSResolver for tests.
package candidate

import "net"

// Source identifies where a Candidate observation came from (spec.md §3).
// The numeric values are part of the wire contract with
// envelope.CandidateAnnouncement.Source and must not be reordered.
type Source uint8

const (
	SourceCache Source = iota
	SourceLAN
	SourceDHT
	SourceRelayAdvert
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceLAN:
		return "lan"
	case SourceDHT:
		return "dht"
	case SourceRelayAdvert:
		return "relay_advert"
	default:
		return "unknown"
	}
}

// Priority bands, highest first. A fresh cache hit is emitted ahead of
// everything else per spec.md §4.6; among everything else, direct
// addresses beat LAN-observed addresses, which beat relay adverts.
const (
	PriorityCache           int32 = 50
	PriorityDirectIPv6      int32 = 40
	PriorityDirectPublic    int32 = 30
	PriorityLANObserved     int32 = 20
	PriorityRelayAdvertised int32 = 10
)

// Candidate is a single reachable-address observation for a target device
// (spec.md §3).
type Candidate struct {
	TargetDeviceCode string
	ReachableAddress string
	Source           Source
	Priority         int32
	ExpiresAtMs      int64
}

// dedupKey identifies a candidate for deduplication purposes: candidates
// are deduplicated by (target, address), not by source, so the same
// address observed via two sources counts once (spec.md §4.6).
func (c Candidate) dedupKey() string {
	return c.TargetDeviceCode + "\x00" + c.ReachableAddress
}

// Expired reports whether c is past its expiry at nowMs. Expired
// candidates are never raced, but per spec.md §3 they may be retained for
// diagnostics, so expiry is a caller-side filter, not an eviction.
func (c Candidate) Expired(nowMs int64) bool {
	return nowMs >= c.ExpiresAtMs
}

// classifyPriority derives the priority band for a candidate from its
// source. Only DHT-sourced candidates are classified by inspecting the
// address: direct-IPv6 ranks above direct-public (spec.md §4.6's
// "direct-IPv6 > direct-public" order).
func classifyPriority(source Source, addr string) int32 {
	switch source {
	case SourceCache:
		return PriorityCache
	case SourceLAN:
		return PriorityLANObserved
	case SourceRelayAdvert:
		return PriorityRelayAdvertised
	case SourceDHT:
		if isDirectIPv6(addr) {
			return PriorityDirectIPv6
		}
		return PriorityDirectPublic
	default:
		return 0
	}
}

func isDirectIPv6(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}
