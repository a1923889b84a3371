package greylist

import (
	"net"
	"testing"
	"time"
)

func newTestDB() *DB {
	db := New("") // no persistence in tests
	db.InitialDelay = time.Minute
	db.MaxRetryTime = time.Hour
	db.WhitelistDuration = time.Hour
	return db
}

func TestFirstSightDefers(t *testing.T) {
	db := newTestDB()
	key := Key(net.ParseIP("1.2.3.4"), "a@x", "b@y")

	if d := db.Check(key, time.Now()); d != Defer {
		t.Errorf("first sight: expected Defer, got %v", d)
	}
}

func TestRetryTooSoonDefers(t *testing.T) {
	db := newTestDB()
	key := Key(net.ParseIP("1.2.3.4"), "a@x", "b@y")
	now := time.Now()

	db.Check(key, now)
	if d := db.Check(key, now.Add(10*time.Second)); d != Defer {
		t.Errorf("retry before InitialDelay: expected Defer, got %v", d)
	}
}

func TestRetryAfterDelayAccepts(t *testing.T) {
	db := newTestDB()
	key := Key(net.ParseIP("1.2.3.4"), "a@x", "b@y")
	now := time.Now()

	db.Check(key, now)
	d := db.Check(key, now.Add(2*time.Minute))
	if d != Accept {
		t.Errorf("retry after InitialDelay: expected Accept, got %v", d)
	}

	// Subsequent attempts within the whitelist window also accept.
	if d := db.Check(key, now.Add(3*time.Minute)); d != Accept {
		t.Errorf("whitelisted retry: expected Accept, got %v", d)
	}
}

func TestRetryAfterMaxRetryResetsAsNew(t *testing.T) {
	db := newTestDB()
	key := Key(net.ParseIP("1.2.3.4"), "a@x", "b@y")
	now := time.Now()

	db.Check(key, now)
	d := db.Check(key, now.Add(2*time.Hour))
	if d != Defer {
		t.Errorf("retry after MaxRetryTime: expected Defer (reset as new), got %v", d)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	db := newTestDB()
	key := Key(net.ParseIP("1.2.3.4"), "a@x", "b@y")
	now := time.Now()

	db.Check(key, now)
	if removed := db.Sweep(now.Add(2 * time.Hour)); removed != 1 {
		t.Errorf("expected 1 removed entry, got %d", removed)
	}
	if db.Len() != 0 {
		t.Errorf("expected empty db after sweep, got %d entries", db.Len())
	}
}

func TestKeyCoarsensToSubnet(t *testing.T) {
	k1 := Key(net.ParseIP("1.2.3.4"), "a@x", "b@y")
	k2 := Key(net.ParseIP("1.2.3.200"), "a@x", "b@y")
	if k1 != k2 {
		t.Errorf("expected same /24 key, got %q vs %q", k1, k2)
	}
}
