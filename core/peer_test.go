package core

import (
	"testing"
	"time"
)

func TestRecordBadEventBlocksAfterThreshold(t *testing.T) {
	p := &Peer{ID: "peer-1"}
	base := time.Now()

	for i := 0; i < 4; i++ {
		p.RecordBadEvent(base.Add(time.Duration(i) * time.Second))
		if p.isBlocked() {
			t.Fatalf("peer should not be blocked before the 5th bad event, got blocked at event %d", i+1)
		}
	}
	p.RecordBadEvent(base.Add(4 * time.Second))
	if !p.isBlocked() {
		t.Fatalf("expected the peer to be blocked after 5 bad events within the sliding window")
	}
}

func TestRecordBadEventWindowSlidesOutStaleEvents(t *testing.T) {
	p := &Peer{ID: "peer-2"}
	base := time.Now()

	for i := 0; i < 4; i++ {
		p.RecordBadEvent(base.Add(time.Duration(i) * time.Second))
	}
	// A 5th event arriving more than a minute later should evict the
	// earlier 4 from the sliding window rather than tripping the block.
	p.RecordBadEvent(base.Add(2 * time.Minute))
	if p.isBlocked() {
		t.Fatalf("expected the earlier 4 bad events to have slid out of the one-minute window")
	}
}

func TestIsBlockedExpiresAfterRerouteLifetime(t *testing.T) {
	p := &Peer{ID: "peer-3"}
	p.blockedAt = time.Now().Add(-rerouteLifetime - time.Second)
	if p.isBlocked() {
		t.Fatalf("expected a block older than rerouteLifetime to have expired")
	}
}

func TestIsBlockedFalseWhenNeverBlocked(t *testing.T) {
	p := &Peer{ID: "peer-4"}
	if p.isBlocked() {
		t.Fatalf("a peer with a zero blockedAt should never report blocked")
	}
}
