// Package exchange implements the dual-keyed exchange registry and
// inbound matcher of spec.md §4.F: correlating responses to
// outstanding requests by token, completing the reliability layer by
// message id, and the token/message-id generation policy of §4.F.
package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	coap "github.com/namib-project/coap"
	"github.com/namib-project/coap/dedup"
	"github.com/namib-project/coap/reliability"
)

// Errors delivered through a Waiter's Result.Err.
var (
	ErrCancelled = errors.New("exchange: cancelled")
	ErrRejected  = errors.New("exchange: rejected by peer (RST)")
	ErrTimedOut  = errors.New("exchange: retransmission limit exceeded")
)

func nowUnixNano() int64 { return time.Now().UnixNano() }

// Origin distinguishes who created an Exchange.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// TokenKey and MIDKey are the registry's two indices into one record
// (spec.md §3 "Exchange"): by (endpoint, token) for outbound
// correlation, by (peer, message-id) for the reliability layer.
type TokenKey struct {
	Endpoint string
	Token    string // string(Token) for map comparability
}

type MIDKey struct {
	Peer      string
	MessageID uint16
}

// Waiter is the one-shot completion handle a caller blocks on, the Go
// realization of the "futures awaited via bus subscriptions" pattern
// the design notes call out for replacement (spec.md §9): resolved
// exactly once by the matcher, or by Cancel.
type Waiter chan Result

// Result is delivered to a Waiter exactly once for a single-shot
// exchange, or repeatedly (one per source) for a multicast exchange.
type Result struct {
	Message *coap.Message
	Err     error
}

// Exchange is an in-progress request/response correlation.
type Exchange struct {
	Endpoint string
	Token    []byte
	Request  *coap.Message

	// Current outbound message; may be replaced in place as block-wise
	// transfer advances through successive blocks.
	Outbound *coap.Message

	Origin    Origin
	Multicast bool

	Timer *reliability.Timer

	mu           sync.Mutex
	waiter       Waiter
	responses    map[string]*coap.Message // keyed by source, for multicast
	done         bool
	cancelled    bool
	timerStopped bool
}

// stopTimer cancels the retransmit timer exactly once, the first time
// any response (piggy-backed or separate, single-shot or one of a
// multicast/observe stream) arrives for this exchange.
func (e *Exchange) stopTimer() {
	if e.timerStopped {
		return
	}
	e.timerStopped = true
	if e.Timer != nil {
		e.Timer.Cancel() // spec.md §5: timers cancelled before the waiter resolves
	}
}

// NewExchange creates an Exchange for an outbound request, with a
// buffered single-slot waiter (buffered so the matcher never blocks).
func NewExchange(endpoint string, req *coap.Message, multicast bool) *Exchange {
	return &Exchange{
		Endpoint:  endpoint,
		Token:     req.Token,
		Request:   req,
		Outbound:  req,
		Origin:    OriginLocal,
		Multicast: multicast,
		waiter:    make(Waiter, 1),
		responses: make(map[string]*coap.Message),
	}
}

// Wait returns the channel a caller receives the eventual Result from.
func (e *Exchange) Wait() <-chan Result { return e.waiter }

// complete delivers a single-shot result and marks the exchange done.
// Safe to call at most meaningfully once for non-multicast exchanges;
// subsequent calls are no-ops so a duplicate inbound message, the
// dedup layer notwithstanding, can never double-resolve a waiter.
func (e *Exchange) complete(res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.stopTimer()
	if res.Message != nil {
		res.Message.Timestamp = nowUnixNano()
	}
	e.done = true
	e.waiter <- res
	close(e.waiter)
}

// completeMulticast delivers one of several results for a multicast
// exchange, keyed by source, and keeps the waiter open.
func (e *Exchange) completeMulticast(res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return
	}
	e.stopTimer()
	if res.Message != nil {
		res.Message.Timestamp = nowUnixNano()
		e.responses[res.Message.Source] = res.Message
	}
	select {
	case e.waiter <- res:
	default:
		// Slow consumer: multicast fan-in drops rather than blocks the
		// matcher goroutine; the response is still recorded above.
	}
}

// Timeout marks the exchange as having exhausted its retransmit
// budget and unblocks its waiter with a synthetic timeout result
// (spec.md §5: "Timeouts are cancellations with a distinct error
// kind"). A no-op if already done.
func (e *Exchange) Timeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.cancelled = true
	e.done = true
	timedOut := &coap.Message{TimedOut: true}
	select {
	case e.waiter <- Result{Message: timedOut, Err: ErrTimedOut}:
	default:
	}
	close(e.waiter)
}

// Cancel marks the exchange cancelled and unblocks its waiter with a
// synthetic cancellation result (spec.md §5). A no-op if already done.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.stopTimer()
	e.cancelled = true
	e.done = true
	cancelled := &coap.Message{Cancelled: true}
	select {
	case e.waiter <- Result{Message: cancelled, Err: ErrCancelled}:
	default:
	}
	close(e.waiter)
}

// Responses returns the accumulated per-source responses of a
// multicast exchange.
func (e *Exchange) Responses() map[string]*coap.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(map[string]*coap.Message, len(e.responses))
	for k, v := range e.responses {
		cp[k] = v
	}
	return cp
}

func tokenMapKey(token []byte) string { return string(token) }

// Registry is the dual-keyed exchange index and inbound matcher.
// Single mutex per spec.md §5 ("implementations on multi-threaded
// runtimes must serialize access to the exchange registry with a
// single mutex").
type Registry struct {
	mu      sync.Mutex
	byToken map[TokenKey]*Exchange
	byMID   map[MIDKey]*Exchange

	dedup *dedup.Table

	tokenCounter uint64
	midCounter   uint16

	logger coap.Logger
}

// Options configure token/message-id generation (spec.md §4.F).
type Options struct {
	UseRandomTokenStart bool
	UseRandomIDStart    bool
	Dedup               *dedup.Table
	Logger              coap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		byToken: make(map[TokenKey]*Exchange),
		byMID:   make(map[MIDKey]*Exchange),
		dedup:   opts.Dedup,
		logger:  opts.Logger,
	}
	if opts.UseRandomTokenStart {
		r.tokenCounter = randomUint64()
	}
	if opts.UseRandomIDStart {
		r.midCounter = uint16(randomUint64())
	}
	return r
}

func randomUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// NextToken returns a fresh, currently-unused 8-byte token for
// endpoint, monotonic with wrap-around (spec.md §4.F).
func (r *Registry) NextToken(endpoint string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], r.tokenCounter)
		r.tokenCounter++
		if _, taken := r.byToken[TokenKey{Endpoint: endpoint, Token: tokenMapKey(b[:])}]; !taken {
			return b[:]
		}
	}
}

// NextMessageID returns the next message id for this registry,
// monotonically incremented modulo 2^16 (spec.md §4.F).
func (r *Registry) NextMessageID() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.midCounter
	r.midCounter++
	return id
}

// Register adds a newly created local Exchange to both indices.
func (r *Registry) Register(ex *Exchange, peer string, mid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken[TokenKey{Endpoint: ex.Endpoint, Token: tokenMapKey(ex.Token)}] = ex
	r.byMID[MIDKey{Peer: peer, MessageID: mid}] = ex
}

// Forget removes an Exchange from both indices, e.g. once it is done.
func (r *Registry) Forget(ex *Exchange, peer string, mid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byToken, TokenKey{Endpoint: ex.Endpoint, Token: tokenMapKey(ex.Token)})
	delete(r.byMID, MIDKey{Peer: peer, MessageID: mid})
}

func (r *Registry) lookupByToken(endpoint string, token []byte) (*Exchange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.byToken[TokenKey{Endpoint: endpoint, Token: tokenMapKey(token)}]
	return ex, ok
}

func (r *Registry) lookupByMID(peer string, mid uint16) (*Exchange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.byMID[MIDKey{Peer: peer, MessageID: mid}]
	return ex, ok
}

// Emitter is how the matcher sends synthesized replies (RST for an
// unmatched response or a format error, RST for a ping, ACK for a
// piggy-backed-pending response) back out; supplied by the
// transport-owning layer so this package stays transport-agnostic. It
// returns the raw bytes actually placed on the wire so the matcher can
// cache them for duplicate replay (spec.md §4.D).
type Emitter func(peer string, m *coap.Message) ([]byte, error)

// Resender replays raw bytes previously handed back by an Emitter,
// verbatim, to peer. Supplied alongside Emitter so a retransmitted
// duplicate gets back exactly what was sent the first time rather than
// a freshly reconstructed (and possibly diverging) message.
type Resender func(peer string, raw []byte) error

// Route implements the five inbound routing steps of spec.md §4.F.
// endpoint identifies the local endpoint the message arrived on (for
// the by-token index); peer identifies the remote sender (for dedup
// and the by-mid index).
func (r *Registry) Route(endpoint, peer string, m *coap.Message, emit Emitter, resend Resender) {
	// Step 1: format errors.
	if m.HasFormatError {
		if m.Type == coap.Confirmable {
			r.emitRST(peer, m.MessageID, emit)
		}
		if r.logger != nil {
			r.logger.Warning("coap: dropped malformed message from %s", peer)
		}
		return
	}

	// Step 2: deduplicate.
	trackDedup := r.dedup != nil && (m.Type == coap.Confirmable || m.Type == coap.NonConfirmable)
	var dedupKey dedup.Key
	if trackDedup {
		dedupKey = dedup.Key{Peer: peer, MessageID: m.MessageID}
		if entry, dup := r.dedup.Lookup(dedupKey); dup {
			m.Duplicate = true
			if len(entry.Response) > 0 && resend != nil {
				_ = resend(peer, entry.Response)
			}
			return
		}
	}

	var sent []byte
	switch {
	case m.Role() == coap.RoleResponse:
		sent = r.routeResponse(endpoint, peer, m, emit)
	case m.Code == coap.Empty && (m.Type == coap.Acknowledgement || m.Type == coap.Reset):
		r.routeEmptyACKOrRST(peer, m)
	case m.Code == coap.Empty && m.Type == coap.Confirmable:
		// Step 5: empty CON is a ping; reply RST with the same MID.
		sent = r.emitRST(peer, m.MessageID, emit)
	default:
		// Requests inbound to a client engine are out of scope
		// (spec.md §1 non-goals: no server resource dispatch).
		if r.logger != nil {
			r.logger.Warning("coap: dropped unsupported inbound role from %s", peer)
		}
	}

	if trackDedup {
		r.dedup.Mark(dedupKey, sent)
	}
}

// Step 3: response routing by token. Returns the ACK bytes emitted for
// a confirmable response, if any, so the caller can cache them.
func (r *Registry) routeResponse(endpoint, peer string, m *coap.Message, emit Emitter) []byte {
	ex, ok := r.lookupByToken(endpoint, m.Token)
	if !ok {
		return r.emitRST(peer, m.MessageID, emit)
	}
	var ack []byte
	if m.Type == coap.Confirmable {
		ack, _ = emit(peer, &coap.Message{Type: coap.Acknowledgement, MessageID: m.MessageID})
	}
	m.Source = peer
	if ex.Multicast {
		ex.completeMulticast(Result{Message: m})
		return ack
	}
	ex.complete(Result{Message: m})
	return ack
}

// Step 4: empty ACK/RST completes the reliability side of the exchange.
func (r *Registry) routeEmptyACKOrRST(peer string, m *coap.Message) {
	ex, ok := r.lookupByMID(peer, m.MessageID)
	if !ok {
		return
	}
	if m.Type == coap.Acknowledgement {
		ex.mu.Lock()
		if ex.Timer != nil {
			ex.Timer.Cancel()
		}
		ex.mu.Unlock()
		m.Acknowledged = true
		// A bare ACK with no payload and no Code is piggy-backed-pending:
		// the real response, if any, arrives separately and is matched by
		// token in routeResponse, not here.
		return
	}
	// Reset: reject the exchange outright.
	m.Rejected = true
	ex.complete(Result{Message: m, Err: ErrRejected})
}

func (r *Registry) emitRST(peer string, mid uint16, emit Emitter) []byte {
	if emit == nil {
		return nil
	}
	b, _ := emit(peer, &coap.Message{Type: coap.Reset, MessageID: mid})
	return b
}
