// Package observe implements the RFC 7641 resource-observation layer
// of spec.md §4.G: the freshness ordering of successive notifications,
// the reregistration schedule that guards against a silently-dropped
// observe relation, and proactive/reactive cancellation.
package observe

import (
	"sync"
	"time"
)

// Defaults from spec.md §6/§4.G.
const (
	// NotificationMaxAge is how long a notification may be considered
	// fresh absent a usable sequence-number comparison (RFC 7641 §3.4).
	NotificationMaxAge = 128 * time.Second

	// NotificationCheckInterval bounds how long a relation is held
	// without an explicit confirmable re-check (RFC 7641 §4.5, as
	// counted in milliseconds or message count, whichever first).
	NotificationCheckIntervalTime  = 86400000 * time.Millisecond
	NotificationCheckIntervalCount = 100

	// NotificationReregistrationBackoff is the delay before re-issuing
	// a registration GET after one goes unanswered.
	NotificationReregistrationBackoff = 2000 * time.Millisecond
)

// seqSpace is the width of the 24-bit Observe option sequence space
// (RFC 7641 §3.4).
const seqSpace = 1 << 24

// Fresher reports whether notification v2, received at t2, supersedes
// the last-accepted notification v1 received at t1, per the RFC 7641
// §3.4 partial ordering:
//
//	v1 < v2 and v2-v1 < 2^23, or
//	v1 > v2 and v1-v2 > 2^23, or
//	t2 >= t1 + NotificationMaxAge
func Fresher(v1 uint32, t1 time.Time, v2 uint32, t2 time.Time) bool {
	switch {
	case v1 < v2 && v2-v1 < seqSpace/2:
		return true
	case v1 > v2 && v1-v2 > seqSpace/2:
		return true
	case !t2.Before(t1.Add(NotificationMaxAge)):
		return true
	default:
		return false
	}
}

// CancelMode distinguishes how an observe relation was torn down.
type CancelMode int

const (
	NotCancelled CancelMode = iota
	CancelProactive                 // GET with Observe=1 and the original token
	CancelReactive                  // RST in reply to a notification
)

// Relation tracks one outstanding observe registration.
type Relation struct {
	Endpoint string
	Token    []byte
	Path     []string

	mu             sync.Mutex
	registeredAt   time.Time
	lastSeq        uint32
	lastSeqValid   bool
	lastReceivedAt time.Time
	notifications  int
	cancelled      CancelMode
}

// NewRelation starts tracking a freshly registered observe relation.
func NewRelation(endpoint string, token []byte, path []string) *Relation {
	return &Relation{
		Endpoint:     endpoint,
		Token:        token,
		Path:         path,
		registeredAt: time.Now(),
	}
}

// Accept reports whether a notification carrying seq, received at
// receivedAt, is fresh enough to deliver to the caller; if so it
// becomes the new baseline for future comparisons.
func (r *Relation) Accept(seq uint32, receivedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled != NotCancelled {
		return false
	}
	if !r.lastSeqValid {
		r.lastSeq, r.lastSeqValid = seq, true
		r.lastReceivedAt = receivedAt
		r.notifications++
		return true
	}
	if !Fresher(r.lastSeq, r.lastReceivedAt, seq, receivedAt) {
		return false
	}
	r.lastSeq = seq
	r.lastReceivedAt = receivedAt
	r.notifications++
	return true
}

// NeedsReregistration reports whether this relation has gone long
// enough, by wall-clock time or by notification count, that a fresh
// confirmable GET should be issued to check it is still alive
// (spec.md §4.G / RFC 7641 §4.5).
func (r *Relation) NeedsReregistration(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled != NotCancelled {
		return false
	}
	if now.Sub(r.registeredAt) >= NotificationCheckIntervalTime {
		return true
	}
	return r.notifications >= NotificationCheckIntervalCount
}

// ResetSchedule restarts the reregistration clock and counter after a
// successful re-check (spec.md §4.G).
func (r *Relation) ResetSchedule(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registeredAt = now
	r.notifications = 0
}

// Cancel marks the relation torn down, proactively (the caller sends
// a GET with Observe=1 reusing the token) or reactively (the caller
// replies RST to an unwanted notification).
func (r *Relation) Cancel(mode CancelMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = mode
}

// Cancelled reports whether, and how, this relation was torn down.
func (r *Relation) Cancelled() CancelMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Registry tracks observe relations by (endpoint, token) so an
// incoming notification's token identifies both the originating
// exchange and the freshness state to compare it against.
type Registry struct {
	mu        sync.Mutex
	relations map[string]*Relation
}

// NewRegistry creates an empty observe Registry.
func NewRegistry() *Registry {
	return &Registry{relations: make(map[string]*Relation)}
}

func relationKey(endpoint string, token []byte) string {
	return endpoint + "\x00" + string(token)
}

// Register begins tracking rel.
func (reg *Registry) Register(rel *Relation) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.relations[relationKey(rel.Endpoint, rel.Token)] = rel
}

// Lookup returns the relation for (endpoint, token), if any.
func (reg *Registry) Lookup(endpoint string, token []byte) (*Relation, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rel, ok := reg.relations[relationKey(endpoint, token)]
	return rel, ok
}

// Forget stops tracking the relation for (endpoint, token).
func (reg *Registry) Forget(endpoint string, token []byte) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.relations, relationKey(endpoint, token))
}

// Due returns every tracked relation that needs reregistration at now.
func (reg *Registry) Due(now time.Time) []*Relation {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var due []*Relation
	for _, rel := range reg.relations {
		if rel.NeedsReregistration(now) {
			due = append(due, rel)
		}
	}
	return due
}
