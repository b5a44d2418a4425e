package dedup

import (
	"testing"
	"time"
)

func TestLookupMissThenMarkThenHit(t *testing.T) {
	tbl := New(time.Minute, 0, 0)
	defer tbl.Close()

	key := Key{Peer: "[::1]:5683", MessageID: 42}
	if _, ok := tbl.Lookup(key); ok {
		t.Fatalf("expected miss before Mark")
	}
	tbl.Mark(key, []byte("cached-ack"))
	e, ok := tbl.Lookup(key)
	if !ok {
		t.Fatalf("expected hit after Mark")
	}
	if string(e.Response) != "cached-ack" {
		t.Fatalf("unexpected cached response: %q", e.Response)
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	tbl := New(10*time.Millisecond, 0, 0)
	defer tbl.Close()

	key := Key{Peer: "peer", MessageID: 1}
	tbl.Mark(key, nil)
	time.Sleep(30 * time.Millisecond)
	tbl.sweep(time.Now())

	if _, ok := tbl.Lookup(key); ok {
		t.Fatalf("expected entry to be evicted after sweep")
	}
}

func TestDifferentPeersDoNotCollide(t *testing.T) {
	tbl := New(time.Minute, 0, 0)
	defer tbl.Close()

	tbl.Mark(Key{Peer: "a", MessageID: 1}, []byte("a-resp"))
	if _, ok := tbl.Lookup(Key{Peer: "b", MessageID: 1}); ok {
		t.Fatalf("expected no collision across distinct peers with the same message id")
	}
}

func TestRotationCacheAnswersRecentRepeats(t *testing.T) {
	tbl := New(time.Minute, 0, time.Hour)
	defer tbl.Close()
	key := Key{Peer: "p", MessageID: 7}
	tbl.Mark(key, []byte("x"))
	if _, ok := tbl.rotation[key]; !ok {
		t.Fatalf("expected rotation cache to be populated on Mark")
	}
}
