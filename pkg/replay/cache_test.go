package replay

import (
	"testing"
	"time"
)

func TestCheckAndInsert_FirstSeenOK(t *testing.T) {
	c := New(Config{})
	now := time.Now()
	if !c.CheckAndInsert("dev-a", []byte("nonce-1"), now) {
		t.Error("CheckAndInsert() = false on first observation, want true")
	}
}

func TestCheckAndInsert_DuplicateRejected(t *testing.T) {
	c := New(Config{})
	now := time.Now()
	nonce := []byte("nonce-1")

	if !c.CheckAndInsert("dev-a", nonce, now) {
		t.Fatal("first CheckAndInsert() = false, want true")
	}
	if c.CheckAndInsert("dev-a", nonce, now.Add(time.Second)) {
		t.Error("duplicate CheckAndInsert() = true, want false (replay)")
	}
}

func TestCheckAndInsert_DifferentSignerSameNonceIndependent(t *testing.T) {
	c := New(Config{})
	now := time.Now()
	nonce := []byte("nonce-1")

	if !c.CheckAndInsert("dev-a", nonce, now) {
		t.Fatal("dev-a CheckAndInsert() = false")
	}
	if !c.CheckAndInsert("dev-b", nonce, now) {
		t.Error("dev-b CheckAndInsert() = false, want true (distinct signer)")
	}
}

func TestCheckAndInsert_ExpiresAfterRetention(t *testing.T) {
	c := New(Config{Retention: 10 * time.Second})
	base := time.Now()
	nonce := []byte("nonce-1")

	if !c.CheckAndInsert("dev-a", nonce, base) {
		t.Fatal("first CheckAndInsert() = false")
	}
	// Within window: still a duplicate.
	if c.CheckAndInsert("dev-a", nonce, base.Add(9*time.Second)) {
		t.Error("CheckAndInsert() within retention = true, want false")
	}
	// Past window: no longer remembered.
	if !c.CheckAndInsert("dev-a", nonce, base.Add(11*time.Second)) {
		t.Error("CheckAndInsert() after retention = false, want true")
	}
}

func TestCheckAndInsert_CapacityEvictsOldest(t *testing.T) {
	c := New(Config{Capacity: 2, Retention: time.Hour})
	now := time.Now()

	c.CheckAndInsert("dev-a", []byte("n1"), now)
	c.CheckAndInsert("dev-a", []byte("n2"), now.Add(time.Millisecond))
	c.CheckAndInsert("dev-a", []byte("n3"), now.Add(2*time.Millisecond))

	if c.Len() > 2 {
		t.Errorf("Len() = %d, want <= 2 (capacity)", c.Len())
	}
	// n1 should have been evicted, making room to "see" it again as fresh.
	if !c.CheckAndInsert("dev-a", []byte("n1"), now.Add(3*time.Millisecond)) {
		t.Error("evicted nonce should be accepted again")
	}
}

func TestCheckAndInsert_ReplayImmunityUnderRapidRepeats(t *testing.T) {
	c := New(Config{})
	now := time.Now()
	nonce := []byte("replayed-nonce")

	accepted := 0
	for i := 0; i < 50; i++ {
		if c.CheckAndInsert("dev-a", nonce, now.Add(time.Duration(i)*time.Millisecond)) {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("accepted = %d instances of the same (signer,nonce), want exactly 1", accepted)
	}
}
