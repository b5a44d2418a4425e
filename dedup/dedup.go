// Package dedup implements the inbound confirmable-message
// deduplicator (spec.md §4.D): Mark-and-Sweep over a
// (peer, message-id) keyed table, with a short rotation cache for
// cheaply answering very recent repeats.
package dedup

import (
	"sync"
	"time"
)

// Defaults from spec.md §6/§4.D.
const (
	DefaultExchangeLifetime    = 247 * time.Second
	DefaultMarkAndSweepInterval = 10 * time.Second
	DefaultCropRotationPeriod  = 2 * time.Second
)

// Key identifies an inbound confirmable/non-confirmable message for
// deduplication purposes: the sending peer and its message id.
type Key struct {
	Peer      string
	MessageID uint16
}

// Entry is the cached outcome of having already processed a message:
// the ACK or response bytes to resend verbatim on a repeat, and when
// it was first seen.
type Entry struct {
	Response  []byte
	insertedAt time.Time
}

// Table is the Mark-and-Sweep deduplicator table. Zero value is not
// usable; construct with New.
type Table struct {
	mu       sync.Mutex
	lifetime time.Duration
	entries  map[Key]Entry

	rotationPeriod time.Duration
	rotation       map[Key]Entry
	rotationStart  time.Time

	stop chan struct{}
}

// New creates a Table that evicts entries older than lifetime, swept
// every sweepInterval, with a recent-window rotation cache of
// rotationPeriod (0 disables the rotation cache).
func New(lifetime, sweepInterval, rotationPeriod time.Duration) *Table {
	t := &Table{
		lifetime:       lifetime,
		entries:        make(map[Key]Entry),
		rotationPeriod: rotationPeriod,
		rotation:       make(map[Key]Entry),
		rotationStart:  time.Now(),
		stop:           make(chan struct{}),
	}
	if sweepInterval > 0 {
		go t.sweepLoop(sweepInterval)
	}
	return t
}

// NewDefault creates a Table using the spec.md §6/§4.D defaults.
func NewDefault() *Table {
	return New(DefaultExchangeLifetime, DefaultMarkAndSweepInterval, DefaultCropRotationPeriod)
}

// Close stops the background sweep goroutine.
func (t *Table) Close() { close(t.stop) }

// Lookup reports whether key has already been seen within the
// exchange lifetime, and if so returns the cached response to resend.
// The rotation cache is checked first; it holds only keys marked since
// its last reset, and both maps are probed under the same mutex.
func (t *Table) Lookup(key Key) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rotationPeriod > 0 {
		if e, ok := t.rotation[key]; ok {
			return e, true
		}
	}
	e, ok := t.entries[key]
	return e, ok
}

// Mark records that key has been processed, caching response (the ACK
// or piggy-backed response bytes) to resend on a future duplicate.
func (t *Table) Mark(key Key, response []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	entry := Entry{Response: response, insertedAt: now}
	t.entries[key] = entry
	if t.rotationPeriod > 0 {
		t.rotation[key] = entry
	}
}

func (t *Table) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Table) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if now.Sub(e.insertedAt) > t.lifetime {
			delete(t.entries, k)
		}
	}
	if t.rotationPeriod > 0 && now.Sub(t.rotationStart) > t.rotationPeriod {
		t.rotation = make(map[Key]Entry)
		t.rotationStart = now
	}
}

// Len reports the number of entries currently tracked (for tests/metrics).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
