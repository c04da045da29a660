package ratelimit

import (
	"net/netip"
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *manualClock {
	return &manualClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTokenBucket(t *testing.T) {
	clk := newClock()
	bucket := newTokenBucket(2, 5, clk.now) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}

	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	clk.advance(1100 * time.Millisecond)

	// Should have 2 tokens available now
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestTokenBucketFull(t *testing.T) {
	clk := newClock()
	bucket := newTokenBucket(1, 2, clk.now)
	if !bucket.Full() {
		t.Error("Expected a new bucket to be full")
	}
	bucket.Allow()
	if bucket.Full() {
		t.Error("Expected bucket not to be full after a token was taken")
	}
	clk.advance(time.Second)
	if !bucket.Full() {
		t.Error("Expected bucket to be full after refill")
	}
}

func TestAdmissionPerIP(t *testing.T) {
	clk := newClock()
	a := newAdmission(0, 2, 3, clk.now) // global disabled; 2 flows/s per IP; burst 3

	ip := netip.MustParseAddr("198.51.100.7")
	for i := 0; i < 3; i++ {
		if !a.Allow(ip) {
			t.Errorf("Expected flow %d to be allowed for %s", i, ip)
		}
	}
	if a.Allow(ip) {
		t.Error("Expected flow to be denied due to per-IP limit")
	}

	other := netip.MustParseAddr("198.51.100.8")
	if !a.Allow(other) {
		t.Error("Expected flow to be allowed for different IP")
	}

	// The mapped form of an IPv4 address shares its bucket.
	if a.Allow(netip.MustParseAddr("::ffff:198.51.100.7")) {
		t.Error("Expected mapped address to share the IPv4 bucket")
	}
}

func TestAdmissionGlobal(t *testing.T) {
	clk := newClock()
	a := newAdmission(2, 0, 2, clk.now)

	ip1 := netip.MustParseAddr("10.0.0.1")
	ip2 := netip.MustParseAddr("10.0.0.2")
	if !a.Allow(ip1) {
		t.Error("Expected first global flow to be allowed")
	}
	if !a.Allow(ip2) {
		t.Error("Expected second global flow to be allowed")
	}
	if a.Allow(ip1) {
		t.Error("Expected flow to be denied due to global limit")
	}
	if a.Tracked() != 0 {
		t.Errorf("Expected no per-IP buckets with per-IP limit disabled, got %d", a.Tracked())
	}
	clk.advance(time.Second)
	if !a.Allow(ip2) {
		t.Error("Expected flow to be allowed after refill")
	}
}

func TestAdmissionPrune(t *testing.T) {
	clk := newClock()
	a := newAdmission(0, 1, 1, clk.now)

	ip1 := netip.MustParseAddr("10.0.0.1")
	ip2 := netip.MustParseAddr("10.0.0.2")
	a.Allow(ip1)
	clk.advance(500 * time.Millisecond)
	a.Allow(ip2)

	if a.Tracked() != 2 {
		t.Fatalf("Expected 2 buckets, got %d", a.Tracked())
	}

	clk.advance(600 * time.Millisecond)
	a.Prune()

	// ip1 has refilled, ip2 is still waiting for its token.
	if a.Tracked() != 1 {
		t.Errorf("Expected 1 bucket after prune, got %d", a.Tracked())
	}
	if _, exists := a.perIP[ip2]; !exists {
		t.Error("Expected ip2 bucket to remain")
	}
	if a.Allow(ip2) {
		t.Error("Expected ip2 to stay limited after prune")
	}
}

func TestAdmissionTrackedCap(t *testing.T) {
	clk := newClock()
	a := newAdmission(0, 1, 1, clk.now)
	a.maxTracked = 2

	if !a.Allow(netip.MustParseAddr("10.0.0.1")) || !a.Allow(netip.MustParseAddr("10.0.0.2")) {
		t.Fatal("Expected the first two sources to be allowed")
	}
	if a.Allow(netip.MustParseAddr("10.0.0.3")) {
		t.Error("Expected a new source to be refused while every bucket is draining")
	}
	if a.Tracked() != 2 {
		t.Errorf("Expected tracked buckets to stay at the cap, got %d", a.Tracked())
	}

	// Once the held buckets refill they are pruned to make room.
	clk.advance(time.Second)
	if !a.Allow(netip.MustParseAddr("10.0.0.3")) {
		t.Error("Expected a new source to be allowed after the cap was pruned")
	}
	if a.Tracked() != 1 {
		t.Errorf("Expected only the new bucket to be tracked, got %d", a.Tracked())
	}
}

func TestAdmissionDisabled(t *testing.T) {
	if a := NewAdmission(0, 0, 5); a != nil {
		t.Error("Expected nil admission when all limits are disabled")
	}
}
