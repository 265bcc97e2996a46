package candidate

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeDHT is a scripted DHTClient: each call to LookupDHT returns the next
// queued response (or the last one, if exhausted).
type fakeDHT struct {
	mu        sync.Mutex
	responses [][]PeerRecord
	calls     int
	published []PeerRecord
}

func (f *fakeDHT) LookupDHT(ctx context.Context, deviceCode string) (<-chan PeerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++

	ch := make(chan PeerRecord, len(f.responses[idx]))
	for _, r := range f.responses[idx] {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func (f *fakeDHT) PublishDHTRecord(ctx context.Context, deviceCode string, record PeerRecord, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, record)
	return nil
}

func recvBatch(t *testing.T, ch <-chan []Candidate) []Candidate {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a candidate batch")
		return nil
	}
}

func TestResolver_DHTLookupEmitsCandidates(t *testing.T) {
	dht := &fakeDHT{responses: [][]PeerRecord{
		{{PeerID: "peerA", Addrs: []string{"203.0.113.5:9000"}}},
	}}
	r := New(dht, Config{DHTLookupInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := r.Subscribe(ctx, "TARGET-CODE")
	batch := recvBatch(t, ch)
	if len(batch) != 1 || batch[0].ReachableAddress != "203.0.113.5:9000" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch[0].Source != SourceDHT {
		t.Fatalf("expected SourceDHT, got %v", batch[0].Source)
	}
}

func TestResolver_CacheServedFirstWhenFresh(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	dht := &fakeDHT{responses: [][]PeerRecord{
		{{PeerID: "peerA", Addrs: []string{"203.0.113.5:9000"}}},
	}}
	r := New(dht, Config{
		DHTLookupInterval: time.Hour, // avoid a second lookup firing during the test
		Now:               func() time.Time { return fixed },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := r.Subscribe(ctx, "TARGET-CODE")
	recvBatch(t, first) // seeds the cache from the DHT lookup

	second := r.Subscribe(ctx, "TARGET-CODE")
	batch := recvBatch(t, second)
	if len(batch) != 1 || batch[0].Source != SourceCache {
		t.Fatalf("expected a single cached candidate, got %+v", batch)
	}
	if batch[0].Priority != PriorityCache {
		t.Fatalf("expected PriorityCache, got %d", batch[0].Priority)
	}
}

func TestResolver_DeduplicatesByTargetAndAddress(t *testing.T) {
	r := New(nil, Config{})
	r.OnLanObserved("TARGET-CODE", "192.168.1.5:4000")
	r.OnLanObserved("TARGET-CODE", "192.168.1.5:4000")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := r.Subscribe(ctx, "TARGET-CODE")
	batch := recvBatch(t, ch)
	if len(batch) != 1 {
		t.Fatalf("expected duplicate address to collapse to one candidate, got %d", len(batch))
	}
}

func TestResolver_PriorityOrderLANBeatsRelay(t *testing.T) {
	r := New(nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := r.Subscribe(ctx, "TARGET-CODE") // subscribe first: no cache seed batch yet

	r.OnLanObserved("TARGET-CODE", "192.168.1.5:4000")
	r.AddRelayAdvertisement(Candidate{TargetDeviceCode: "TARGET-CODE", ReachableAddress: "relay.example:9000"})

	// Each event emits the full accumulated, sorted known-candidate set;
	// the last batch received reflects both observations.
	var last []Candidate
	for i := 0; i < 2; i++ {
		last = recvBatch(t, ch)
	}

	if len(last) != 2 {
		t.Fatalf("expected 2 accumulated candidates, got %+v", last)
	}
	for i := 1; i < len(last); i++ {
		if last[i-1].Priority < last[i].Priority {
			t.Fatalf("batch not sorted by descending priority: %+v", last)
		}
	}
	if last[0].Source != SourceLAN {
		t.Fatalf("expected LAN-observed candidate to rank above relay advert, got %+v", last[0])
	}
}

func TestResolver_ExpiredCandidateIsExpired(t *testing.T) {
	c := Candidate{ExpiresAtMs: 1000}
	if !c.Expired(1000) {
		t.Fatal("candidate at its exact expiry should be considered expired")
	}
	if c.Expired(999) {
		t.Fatal("candidate before its expiry should not be considered expired")
	}
}

func TestResolver_SubscribeCancelClosesChannel(t *testing.T) {
	r := New(nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Subscribe(ctx, "TARGET-CODE")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after context cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestResolver_RunSelfPublisherDisabledByNegativeInterval(t *testing.T) {
	dht := &fakeDHT{responses: [][]PeerRecord{{}}}
	r := New(dht, Config{DHTRepublishInterval: -1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already done, so a single tick loop would exit immediately regardless
	r.RunSelfPublisher(ctx, "ME", func() []string { return []string{"1.2.3.4:9000"} })

	dht.mu.Lock()
	defer dht.mu.Unlock()
	if len(dht.published) != 0 {
		t.Fatalf("expected no publishes with a disabled interval, got %d", len(dht.published))
	}
}
