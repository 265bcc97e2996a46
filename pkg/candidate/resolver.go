package candidate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Defaults from spec.md §4.6.
const (
	DefaultCacheTTL            = 120 * time.Second
	DefaultDHTLookupInterval   = 2500 * time.Millisecond
	DefaultDHTRepublishInterval = 15000 * time.Millisecond
)

// PeerRecord is what a DHT lookup resolves a device code to.
type PeerRecord struct {
	PeerID string
	Addrs  []string
	// TTL is how long this record should be trusted, as published by its
	// owner. Zero means the resolver's own cache TTL applies.
	TTL time.Duration
}

// DHTClient is the subset of TransportHost's DHT surface the resolver
// needs (spec.md §6: publish_dht_record / lookup_dht). It is a capability
// interface so tests can inject a fake instead of a real DHT.
type DHTClient interface {
	LookupDHT(ctx context.Context, deviceCode string) (<-chan PeerRecord, error)
	PublishDHTRecord(ctx context.Context, deviceCode string, record PeerRecord, ttl time.Duration) error
}

// Config configures a Resolver. LAN observations have no separate
// interface here: the engine wiring calls OnLanObserved directly, so a
// Resolver can be constructed without a live transport for tests that
// only exercise cache/DHT behavior.
type Config struct {
	// CacheTTL bounds how long a cache-sourced candidate stays fresh.
	// Defaults to DefaultCacheTTL.
	CacheTTL time.Duration

	// DHTLookupInterval is the cadence of repeated DHT lookups for an
	// active subscription. Defaults to DefaultDHTLookupInterval.
	DHTLookupInterval time.Duration

	// DHTRepublishInterval is the cadence of self-record republishing.
	// Zero means DefaultDHTRepublishInterval; a negative value disables
	// republishing.
	DHTRepublishInterval time.Duration

	// Now returns the current time. Overridable for deterministic tests;
	// defaults to time.Now.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Resolver aggregates candidates from the cache, LAN, and DHT sources and
// serves them to subscribers as deduplicated, priority-ordered batches.
type Resolver struct {
	cfg Config
	dht DHTClient

	mu    sync.Mutex
	cache map[string]Candidate            // target device code -> last_good_candidate
	known map[string]map[string]Candidate // target -> dedupKey -> latest observation
	subs  map[string][]*subscription
}

type subscription struct {
	target string
	ch     chan []Candidate
}

// New creates a Resolver. dht may be nil, in which case DHT lookups and
// publishing are no-ops (useful for LAN-only or cache-only tests).
func New(dht DHTClient, cfg Config) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.DHTLookupInterval <= 0 {
		cfg.DHTLookupInterval = DefaultDHTLookupInterval
	}
	if cfg.DHTRepublishInterval == 0 {
		cfg.DHTRepublishInterval = DefaultDHTRepublishInterval
	}
	return &Resolver{
		cfg:   cfg,
		dht:   dht,
		cache: make(map[string]Candidate),
		known: make(map[string]map[string]Candidate),
		subs:  make(map[string][]*subscription),
	}
}

// Subscribe returns a stream of candidate batches for targetDeviceCode.
// The cache is consulted immediately; if a fresh entry exists it is
// emitted as the first batch. A DHT lookup loop then runs at
// DHTLookupInterval until ctx is done, at which point the channel is
// closed. LAN observations are fanned in as they arrive via
// OnLanObserved.
func (r *Resolver) Subscribe(ctx context.Context, targetDeviceCode string) <-chan []Candidate {
	sub := &subscription{target: targetDeviceCode, ch: make(chan []Candidate, 8)}

	r.mu.Lock()
	r.subs[targetDeviceCode] = append(r.subs[targetDeviceCode], sub)
	if cached, ok := r.freshCacheLocked(targetDeviceCode); ok {
		select {
		case sub.ch <- []Candidate{cached}:
		default:
		}
	}
	r.mu.Unlock()

	go r.runDHTLoop(ctx, sub)

	go func() {
		<-ctx.Done()
		r.removeSubscription(sub)
	}()

	return sub.ch
}

func (r *Resolver) removeSubscription(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[sub.target]
	for i, s := range subs {
		if s == sub {
			r.subs[sub.target] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

func (r *Resolver) freshCacheLocked(target string) (Candidate, bool) {
	c, ok := r.cache[target]
	if !ok {
		return Candidate{}, false
	}
	if c.Expired(r.cfg.now().UnixMilli()) {
		return Candidate{}, false
	}
	return c, true
}

func (r *Resolver) runDHTLoop(ctx context.Context, sub *subscription) {
	if r.dht == nil {
		return
	}

	ticker := time.NewTicker(r.cfg.DHTLookupInterval)
	defer ticker.Stop()

	r.lookupOnce(ctx, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.lookupOnce(ctx, sub)
		}
	}
}

func (r *Resolver) lookupOnce(ctx context.Context, sub *subscription) {
	records, err := r.dht.LookupDHT(ctx, sub.target)
	if err != nil {
		return
	}

	var batch []Candidate
	for rec := range records {
		ttl := rec.TTL
		if ttl <= 0 {
			ttl = r.cfg.CacheTTL
		}
		expiresAt := r.cfg.now().Add(ttl).UnixMilli()
		for _, addr := range rec.Addrs {
			batch = append(batch, Candidate{
				TargetDeviceCode: sub.target,
				ReachableAddress: addr,
				Source:           SourceDHT,
				Priority:         classifyPriority(SourceDHT, addr),
				ExpiresAtMs:      expiresAt,
			})
		}
	}
	if len(batch) == 0 {
		return
	}
	r.updateCacheAndEmit(sub.target, batch)
}

// OnLanObserved records a LAN multicast observation and fans it into any
// active subscription for peer (spec.md §4.6, §6's LanObserved event).
func (r *Resolver) OnLanObserved(peerDeviceCode, addr string) {
	c := Candidate{
		TargetDeviceCode: peerDeviceCode,
		ReachableAddress: addr,
		Source:           SourceLAN,
		Priority:         classifyPriority(SourceLAN, addr),
		ExpiresAtMs:      r.cfg.now().Add(r.cfg.CacheTTL).UnixMilli(),
	}
	r.updateCacheAndEmit(peerDeviceCode, []Candidate{c})
}

// AddRelayAdvertisement records a relay-advertised candidate learned via a
// CandidateAnnouncement control message and fans it into any active
// subscription. c.ExpiresAtMs normally comes from the announcement itself;
// if unset, the resolver's cache TTL is applied as a fallback.
func (r *Resolver) AddRelayAdvertisement(c Candidate) {
	c.Source = SourceRelayAdvert
	c.Priority = classifyPriority(SourceRelayAdvert, c.ReachableAddress)
	if c.ExpiresAtMs <= 0 {
		c.ExpiresAtMs = r.cfg.now().Add(r.cfg.CacheTTL).UnixMilli()
	}
	r.updateCacheAndEmit(c.TargetDeviceCode, []Candidate{c})
}

// updateCacheAndEmit merges newObservations into the accumulated known-
// candidate set for target (deduplicated by (target, address), keeping
// whichever observation ranks highest on conflict), drops anything that
// has since expired, refreshes the cache entry with the best survivor, and
// delivers the full, priority-sorted, still-fresh set to every active
// subscription for target.
func (r *Resolver) updateCacheAndEmit(target string, newObservations []Candidate) {
	r.mu.Lock()

	m, ok := r.known[target]
	if !ok {
		m = make(map[string]Candidate)
		r.known[target] = m
	}
	for _, c := range newObservations {
		if existing, dup := m[c.dedupKey()]; !dup || c.Priority >= existing.Priority {
			m[c.dedupKey()] = c
		}
	}

	now := r.cfg.now().UnixMilli()
	deduped := make([]Candidate, 0, len(m))
	var best Candidate
	haveBest := false
	for k, c := range m {
		if c.Expired(now) {
			delete(m, k)
			continue
		}
		deduped = append(deduped, c)
		if !haveBest || c.Priority > best.Priority {
			best = c
			haveBest = true
		}
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].Priority > deduped[j].Priority })

	if haveBest {
		cacheEntry := best
		cacheEntry.Source = SourceCache
		cacheEntry.Priority = PriorityCache
		r.cache[target] = cacheEntry
	}

	targets := append([]*subscription(nil), r.subs[target]...)
	r.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- deduped:
		default:
			// Slow subscriber: drop the batch rather than block the
			// single-threaded engine that's driving this loop.
		}
	}
}

// PublishSelf publishes this device's own reachable addresses to the DHT
// once, under deviceCode, with the given TTL.
func (r *Resolver) PublishSelf(ctx context.Context, deviceCode string, addrs []string, ttl time.Duration) error {
	if r.dht == nil {
		return nil
	}
	return r.dht.PublishDHTRecord(ctx, deviceCode, PeerRecord{Addrs: addrs}, ttl)
}

// RunSelfPublisher republishes this device's own record at
// DHTRepublishInterval until ctx is done. addrs is called fresh on each
// tick so callers can report an address set that changes over time. A
// negative DHTRepublishInterval disables republishing entirely.
func (r *Resolver) RunSelfPublisher(ctx context.Context, deviceCode string, addrs func() []string) {
	if r.cfg.DHTRepublishInterval <= 0 || r.dht == nil {
		return
	}

	ticker := time.NewTicker(r.cfg.DHTRepublishInterval)
	defer ticker.Stop()

	publish := func() {
		_ = r.PublishSelf(ctx, deviceCode, addrs(), 2*r.cfg.DHTRepublishInterval)
	}
	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
