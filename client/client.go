package client

import (
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	coap "github.com/namib-project/coap"
	"github.com/namib-project/coap/blockwise"
	"github.com/namib-project/coap/dedup"
	"github.com/namib-project/coap/exchange"
	"github.com/namib-project/coap/observe"
	"github.com/namib-project/coap/reliability"
	"github.com/namib-project/coap/transport"
)

// Client is one CoAP client engine: an endpoint registry, exchange
// matcher, deduplicator, block-wise guard and observe manager, all
// owned by a single instance per spec.md §5 ("the endpoint registry,
// deduplicator, and exchange indices are all owned by the client").
type Client struct {
	cfg Config
	id  uuid.UUID

	logger coap.Logger

	mu        sync.Mutex
	closed    bool
	endpoints *transport.Registry
	reg       *exchange.Registry
	dedup     *dedup.Table
	observeRg *observe.Registry
	guards    map[string]*blockwise.Guard // keyed by endpoint
}

// New creates a Client, applying opts over DefaultConfig.
func New(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	c := &Client{
		cfg:       cfg,
		id:        nonce(),
		logger:    coap.GLog,
		endpoints: transport.NewRegistry(),
		dedup:     dedup.New(cfg.ExchangeLifetime, cfg.MarkAndSweepInterval, dedup.DefaultCropRotationPeriod),
		observeRg: observe.NewRegistry(),
		guards:    make(map[string]*blockwise.Guard),
	}
	c.reg = exchange.NewRegistry(exchange.Options{
		UseRandomTokenStart: cfg.UseRandomTokenStart,
		UseRandomIDStart:    cfg.UseRandomIDStart,
		Dedup:               c.dedup,
		Logger:              c.logger,
	})
	return c
}

// Close stops every endpoint and clears the registry (spec.md §4.I).
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.dedup.Close()
	return c.endpoints.CloseAll()
}

// endpointInfo resolves a target URI to the (scheme, resolvedHost,
// port, endpointKey) tuple a request is bound to, dialing and
// registering the transport on first use (spec.md §4.I).
type endpointInfo struct {
	scheme   coap.Scheme
	destHost string
	destPort int
	key      string
	peerAddr string
}

func (c *Client) resolveEndpoint(raw string) (endpointInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpointInfo{}, errors.Wrap(ErrTransport, err.Error())
	}
	scheme, ok := coap.LookupScheme(u.Scheme)
	if !ok {
		return endpointInfo{}, errors.Wrapf(ErrTransport, "unknown scheme %q", u.Scheme)
	}
	host := u.Hostname()
	port := scheme.DefaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return endpointInfo{}, errors.Wrap(ErrTransport, "invalid port")
		}
		port = n
	}

	resolved := host
	if net.ParseIP(host) == nil {
		addrs, err := net.LookupHost(host)
		if err != nil || len(addrs) == 0 {
			return endpointInfo{}, errors.Wrapf(ErrTransport, "resolve host %q: %v", host, err)
		}
		resolved = addrs[0]
	}

	key := transport.EndpointKey(scheme.Name, host, port) // hostname-keyed: survives IP changes behind a DNS name
	peer := net.JoinHostPort(resolved, strconv.Itoa(port))
	return endpointInfo{scheme: scheme, destHost: host, destPort: port, key: key, peerAddr: peer}, nil
}

func (c *Client) dial(ei endpointInfo) (transport.Transport, error) {
	if t, ok := c.endpoints.Get(ei.key); ok {
		return t, nil
	}
	var t transport.Transport
	var err error
	switch ei.scheme.Transport {
	case "udp":
		t, err = transport.DialUDP("udp", ":0")
	case "tcp":
		t, err = transport.DialTCP(ei.peerAddr, 10*time.Second)
	case "ws":
		wsScheme := "ws"
		if ei.scheme.Secure {
			wsScheme = "wss"
		}
		t, err = transport.DialWS(wsScheme + "://" + ei.peerAddr)
	default:
		return nil, errors.Wrapf(ErrTransport, "unsupported transport %q", ei.scheme.Transport)
	}
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	c.endpoints.Put(ei.key, t)
	go t.Serve(func(peer string, raw []byte) { c.handleInbound(ei, peer, raw) })
	return t, nil
}

func (c *Client) guardFor(key string) *blockwise.Guard {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.guards[key]
	if !ok {
		g = blockwise.NewGuard(4)
		c.guards[key] = g
	}
	return g
}

func (c *Client) decode(ei endpointInfo, raw []byte) *coap.Message {
	switch ei.scheme.Transport {
	case "tcp":
		m, _ := coap.DecodeTCP(raw)
		return m
	case "ws":
		return coap.DecodeWS(raw)
	default:
		return coap.DecodeUDP(raw)
	}
}

func (c *Client) encode(ei endpointInfo, m *coap.Message) ([]byte, error) {
	switch ei.scheme.Transport {
	case "tcp":
		return coap.EncodeTCP(m)
	case "ws":
		return coap.EncodeWS(m)
	default:
		return coap.EncodeUDP(m)
	}
}

func (c *Client) handleInbound(ei endpointInfo, peer string, raw []byte) {
	m := c.decode(ei, raw)
	coap.TraceInfo("coap: client %s received %d bytes from %s on %s", c.id, len(raw), peer, ei.key)
	emit := func(p string, reply *coap.Message) ([]byte, error) {
		b, err := c.encode(ei, reply)
		if err != nil {
			return nil, err
		}
		t, ok := c.endpoints.Get(ei.key)
		if !ok {
			return nil, ErrTransport
		}
		if err := t.Send(p, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	resend := func(p string, raw []byte) error {
		t, ok := c.endpoints.Get(ei.key)
		if !ok {
			return ErrTransport
		}
		return t.Send(p, raw)
	}
	c.reg.Route(ei.key, peer, m, emit, resend)
}

// Request describes an outbound CoAP request before it is bound to an
// endpoint. URI is an absolute coap(s)(+tcp|+ws) URI; Options are
// extra options merged in after the URI-derived Uri-Host/Port/Path/Query
// (spec.md §4.H: "merges supplied options").
type Request struct {
	Method      coap.Code
	URI         string
	Payload     []byte
	Options     coap.Options
	Confirmable bool
	Observe     bool
	Multicast   bool
}

// Response is the result of a completed exchange.
type Response struct {
	Message *coap.Message

	// endpoint is the internal endpoint key this exchange was bound
	// to. Observation.Cancel does not read it; it uses the endpoint
	// record kept on the Observation itself.
	endpoint string
}

func (c *Client) newMessage(ei endpointInfo, req Request) (*coap.Message, error) {
	uriOpts, err := coap.URIToOptions(req.URI, ei.destHost, ei.destPort, false)
	if err != nil {
		return nil, errors.Wrap(ErrBadOption, err.Error())
	}
	m := &coap.Message{
		Version: 1,
		Type:    coap.NonConfirmable,
		Code:    req.Method,
		Payload: req.Payload,
	}
	if req.Confirmable || !req.Multicast {
		m.Type = coap.Confirmable
	}
	m.Options = append(m.Options, uriOpts...)
	m.Options = append(m.Options, req.Options...)
	if req.Observe {
		m.AddOption(coap.Observe, uint32(0))
	}
	for _, opt := range m.Options {
		if opt.ID.IsCritical() && !coap.IsKnownOption(opt.ID) {
			return nil, errors.Wrapf(ErrBadOption, "option %d", opt.ID)
		}
	}
	return m, nil
}

// send drives req through to completion, transparently running it
// through the block-wise engine when the outbound payload needs
// Block1 fragmentation or the response arrives as a Block2 series
// (spec.md §4.C/§4.H).
func (c *Client) send(req Request) (*Response, error) {
	if len(req.Payload) > c.cfg.DefaultBlockSize {
		return c.sendBlock1(req)
	}
	resp, err := c.sendOnce(req)
	if err != nil {
		return resp, err
	}
	if _, has := resp.Message.Options.GetFirst(coap.Block2); has {
		return c.continueBlock2(req, resp)
	}
	return resp, nil
}

// sendBlock1 fragments req.Payload into SZX-sized blocks and drives
// them through sendOnce one at a time, guarded so this exchange never
// has more than one block in flight per spec.md §4.C's one-at-a-time
// sequencing (the Guard exists for the case of several concurrent
// block-wise exchanges sharing an endpoint).
func (c *Client) sendBlock1(req Request) (*Response, error) {
	guard := c.guardFor(endpointGuardKey(req.URI))
	up := blockwise.NewUpload(req.Payload, blockwise.SZXForPreferred(c.cfg.DefaultBlockSize))

	var last *Response
	for {
		guard.Acquire()
		chunk, optVal, more, uerr := up.Next()
		if uerr != nil {
			guard.Release()
			return last, errors.Wrap(ErrFormat, uerr.Error())
		}
		fragment := req
		fragment.Payload = chunk
		fragment.Options = append(coap.Options{{ID: coap.Block1, Value: optVal}}, req.Options...)

		resp, err := c.sendOnce(fragment)
		guard.Release()
		if err != nil {
			return resp, err
		}
		last = resp
		if v, has := resp.Message.Options.GetFirst(coap.Block1); has {
			szx, _, _, derr := blockwise.DecodeBlockOption(decodeOptionUint(v))
			if derr == nil && szx < up.SZX() {
				// Server asked for a smaller block size; resume from NUM
				// realigned to the new boundary (spec.md §4.C).
				if rerr := up.Renegotiate(szx); rerr != nil {
					return last, errors.Wrap(ErrFormat, rerr.Error())
				}
			}
		}
		if !more {
			return last, nil
		}
		up.Advance()
	}
}

// continueBlock2 reassembles a Block2 series following an initial
// response that announced more blocks, one GET per remaining block.
func (c *Client) continueBlock2(req Request, first *Response) (*Response, error) {
	firstBlock := mustGetFirst(first.Message.Options, coap.Block2)
	szx, _, _, err := blockwise.DecodeBlockOption(firstBlock)
	if err != nil {
		return first, nil
	}
	dl := blockwise.NewDownload(szx)
	if _, derr := dl.Accept(firstBlock, first.Message.Payload); derr != nil {
		return first, nil
	}

	guard := c.guardFor(endpointGuardKey(req.URI))
	final := first
	for {
		blockVal, ok := final.Message.Options.GetFirst(coap.Block2)
		if !ok {
			break
		}
		_, _, more, derr := blockwise.DecodeBlockOption(decodeOptionUint(blockVal))
		if derr != nil || !more {
			break
		}
		guard.Acquire()
		optVal, _ := dl.NextRequestBlockOption()
		next := req
		next.Options = append(coap.Options{{ID: coap.Block2, Value: optVal}}, req.Options...)
		resp, err := c.sendOnce(next)
		guard.Release()
		if err != nil {
			return resp, err
		}
		bv, ok := resp.Message.Options.GetFirst(coap.Block2)
		if !ok {
			return resp, nil
		}
		complete, derr := dl.Accept(decodeOptionUint(bv), resp.Message.Payload)
		if derr != nil {
			return resp, errors.Wrap(ErrFormat, derr.Error())
		}
		final = resp
		if complete {
			break
		}
	}
	final.Message.Payload = dl.Body()
	return final, nil
}

func endpointGuardKey(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return u.Scheme + "://" + u.Host
}

func mustGetFirst(opts coap.Options, id coap.OptionID) uint32 {
	v, _ := opts.GetFirst(id)
	return decodeOptionUint(v)
}

func decodeOptionUint(v interface{}) uint32 {
	switch n := v.(type) {
	case uint32:
		return n
	default:
		return 0
	}
}

// sendOnce binds req to its endpoint, registers an Exchange, transmits
// it and blocks until the matcher resolves it or an internal
// timeout/cancel fires (spec.md §4.H: "awaits the matcher"). A single
// call carries exactly one wire-level exchange; block-wise continuation
// across several exchanges is orchestrated by send/sendBlock1/continueBlock2.
func (c *Client) sendOnce(req Request) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	if req.Multicast {
		// sendOnce resolves on the first reply; a multicast exchange
		// expects several (spec.md §4.F step 3). Use Multicast or
		// Observe, both of which drain Exchange.Wait() in a loop
		// instead of taking one result and forgetting the exchange.
		return nil, ErrMulticastWithoutHandler
	}

	ei, err := c.resolveEndpoint(req.URI)
	if err != nil {
		return nil, err
	}
	t, err := c.dial(ei)
	if err != nil {
		return nil, err
	}
	m, err := c.newMessage(ei, req)
	if err != nil {
		return nil, err
	}
	m.Token = c.reg.NextToken(ei.key)
	mid := c.reg.NextMessageID()
	m.MessageID = mid
	m.Destination = ei.peerAddr

	ex := exchange.NewExchange(ei.key, m, req.Multicast)
	c.reg.Register(ex, ei.peerAddr, mid)

	raw, err := c.encode(ei, m)
	if err != nil {
		c.reg.Forget(ex, ei.peerAddr, mid)
		return nil, errors.Wrap(ErrFormat, err.Error())
	}
	if err := t.Send(ei.peerAddr, raw); err != nil {
		c.reg.Forget(ex, ei.peerAddr, mid)
		return nil, errors.Wrap(ErrTransport, err.Error())
	}

	if m.Type == coap.Confirmable && ei.scheme.Transport == "udp" {
		ex.Timer = reliability.Start(reliability.Config{
			ACKTimeout:      c.cfg.ACKTimeout,
			ACKRandomFactor: c.cfg.ACKRandomFactor,
			ACKTimeoutScale: c.cfg.ACKTimeoutScale,
			MaxRetransmit:   c.cfg.MaxRetransmit,
		}, func(attempt int) {
			m.Retransmits = attempt
			raw, err := c.encode(ei, m)
			if err != nil {
				return
			}
			_ = t.Send(ei.peerAddr, raw)
		}, func() {
			c.reg.Forget(ex, ei.peerAddr, mid)
			ex.Timeout()
		})
	}

	res, ok := <-ex.Wait()
	c.reg.Forget(ex, ei.peerAddr, mid)
	if !ok {
		return nil, ErrClosed
	}
	if res.Err == exchange.ErrTimedOut {
		return nil, ErrTimeout
	}
	if res.Err == exchange.ErrCancelled {
		return nil, ErrCancelled
	}
	if res.Err == exchange.ErrRejected {
		return &Response{Message: res.Message, endpoint: ei.key}, ErrPeerReset
	}
	return &Response{Message: res.Message, endpoint: ei.key}, nil
}

// Get issues a GET request.
func (c *Client) Get(uri string, opts ...coap.Option) (*Response, error) {
	return c.send(Request{Method: coap.GET, URI: uri, Options: coap.Options(opts)})
}

// Post issues a POST request with the given payload.
func (c *Client) Post(uri string, payload []byte, opts ...coap.Option) (*Response, error) {
	return c.send(Request{Method: coap.POST, URI: uri, Payload: payload, Options: coap.Options(opts)})
}

// Put issues a PUT request with the given payload.
func (c *Client) Put(uri string, payload []byte, opts ...coap.Option) (*Response, error) {
	return c.send(Request{Method: coap.PUT, URI: uri, Payload: payload, Options: coap.Options(opts)})
}

// Delete issues a DELETE request.
func (c *Client) Delete(uri string, opts ...coap.Option) (*Response, error) {
	return c.send(Request{Method: coap.DELETE, URI: uri, Options: coap.Options(opts)})
}

// Fetch issues a FETCH request (RFC 8132) with the given payload.
func (c *Client) Fetch(uri string, payload []byte, opts ...coap.Option) (*Response, error) {
	return c.send(Request{Method: coap.FETCH, URI: uri, Payload: payload, Options: coap.Options(opts)})
}

// Patch issues a PATCH request (RFC 8132) with the given payload.
func (c *Client) Patch(uri string, payload []byte, opts ...coap.Option) (*Response, error) {
	return c.send(Request{Method: coap.PATCH, URI: uri, Payload: payload, Options: coap.Options(opts)})
}

// IPatch issues an iPATCH request (RFC 8132) with the given payload.
func (c *Client) IPatch(uri string, payload []byte, opts ...coap.Option) (*Response, error) {
	return c.send(Request{Method: coap.IPATCH, URI: uri, Payload: payload, Options: coap.Options(opts)})
}

// Ping sends an empty confirmable message; success iff a RST is
// received (spec.md §4.H).
func (c *Client) Ping(uri string) error {
	_, err := c.send(Request{Method: coap.Empty, URI: uri, Confirmable: true})
	if errors.Cause(err) == ErrPeerReset {
		return nil
	}
	if err == nil {
		return errors.New("coap: ping did not receive a reset reply")
	}
	return err
}

// Discover issues GET /.well-known/core against host:port, returning
// the raw link-format payload; parsing link-format is out of scope
// (spec.md §1: external collaborator), so callers parse it themselves.
func (c *Client) Discover(baseURI string) (*Response, error) {
	u, err := url.Parse(baseURI)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	u.Path = "/.well-known/core"
	u.RawQuery = ""
	return c.Get(u.String())
}

// MulticastResponse is one reply gathered during a Multicast fan-in
// window (spec.md §4.F step 3), tagged with the replying host so the
// caller can tell multiple responders apart.
type MulticastResponse struct {
	*Response
	Source string
}

// Multicast issues req to a multicast group URI and streams back one
// MulticastResponse per distinct reply received within window, closing
// the returned channel once window elapses. Per RFC 7252 §12.8,
// multicast requests are always non-confirmable regardless of opts.
// This is the fan-in handler ErrMulticastWithoutHandler refers to:
// Get/Post/etc. only resolve a single response and reject a multicast
// request outright.
func (c *Client) Multicast(uri string, window time.Duration, opts ...coap.Option) (<-chan MulticastResponse, error) {
	req := Request{Method: coap.GET, URI: uri, Multicast: true, Options: coap.Options(opts)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	ei, err := c.resolveEndpoint(req.URI)
	if err != nil {
		return nil, err
	}
	t, err := c.dial(ei)
	if err != nil {
		return nil, err
	}
	m, err := c.newMessage(ei, req)
	if err != nil {
		return nil, err
	}
	m.Token = c.reg.NextToken(ei.key)
	mid := c.reg.NextMessageID()
	m.MessageID = mid
	m.Destination = ei.peerAddr

	// Registered as multicast so completeMulticast keeps the waiter
	// open across every distinct reply instead of resolving once.
	ex := exchange.NewExchange(ei.key, m, true)
	c.reg.Register(ex, ei.peerAddr, mid)

	raw, err := c.encode(ei, m)
	if err != nil {
		c.reg.Forget(ex, ei.peerAddr, mid)
		return nil, errors.Wrap(ErrFormat, err.Error())
	}
	if err := t.Send(ei.peerAddr, raw); err != nil {
		c.reg.Forget(ex, ei.peerAddr, mid)
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	coap.TraceInfo("coap: client %s multicast request to %s, window %s", c.id, ei.peerAddr, window)

	out := make(chan MulticastResponse, 8)
	go func() {
		defer close(out)
		timer := time.NewTimer(window)
		defer timer.Stop()
		for {
			select {
			case res, ok := <-ex.Wait():
				if !ok {
					return
				}
				if res.Err != nil {
					continue
				}
				select {
				case out <- MulticastResponse{Response: &Response{Message: res.Message, endpoint: ei.key}, Source: res.Message.Source}:
				default:
					// Slow consumer: drop rather than block the matcher.
				}
			case <-timer.C:
				c.reg.Forget(ex, ei.peerAddr, mid)
				ex.Cancel()
				return
			}
		}
	}()
	return out, nil
}

// Observation is a live observe relation: the initial response plus a
// stream of subsequent notifications delivered in freshness order
// (spec.md §4.G; spec.md §7 "Observe relations surface errors via
// their stream"). The underlying exchange is kept registered by token
// for as long as the observation is open, rather than being forgotten
// after the first response the way a one-shot request is.
type Observation struct {
	First *Response

	c   *Client
	ex  *exchange.Exchange
	rel *observe.Relation
	ei  endpointInfo
	mid uint16

	notifications chan *Response
	cancelOnce    sync.Once
}

// Notifications returns the channel fresh notifications arrive on. The
// channel is closed once the relation ends, either by Cancel or by a
// peer RST matched to the registration's message ID. The client does
// not re-register the relation on its own, so no reregistration
// timeout closes it.
func (o *Observation) Notifications() <-chan *Response { return o.notifications }

// Cancel tears down the observe relation reactively: the token mapping
// is forgotten so the server's next notification goes unmatched and
// draws a RST via the step-3 routing path (spec.md §4.G "reactive
// cancel simply stops delivering and lets the server's next
// notification trigger RST via §4.F step 3").
func (o *Observation) Cancel() {
	o.cancelOnce.Do(func() {
		o.c.reg.Forget(o.ex, o.ei.peerAddr, o.mid)
		o.rel.Cancel(observe.CancelReactive)
		o.c.observeRg.Forget(o.ei.key, o.ex.Token)
		o.ex.Cancel()
	})
}

func (o *Observation) pump() {
	defer close(o.notifications)
	for res := range o.ex.Wait() {
		if res.Err != nil {
			return
		}
		if seq, has := res.Message.Options.GetFirst(coap.Observe); has {
			if !o.rel.Accept(decodeOptionUint(seq), time.Now()) {
				continue // stale per the RFC 7641 §3.4 freshness rule
			}
		}
		select {
		case o.notifications <- &Response{Message: res.Message, endpoint: o.ei.key}:
		default:
			// Slow consumer: drop rather than block the matcher goroutine.
		}
	}
}

// Observe registers an observe relation against uri (a GET with
// Observe=0) and returns once the first notification arrives; further
// notifications are delivered through the returned Observation's
// Notifications channel.
func (c *Client) Observe(uri string, opts ...coap.Option) (*Observation, error) {
	req := Request{Method: coap.GET, URI: uri, Confirmable: true, Observe: true, Options: coap.Options(opts)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	ei, err := c.resolveEndpoint(req.URI)
	if err != nil {
		return nil, err
	}
	t, err := c.dial(ei)
	if err != nil {
		return nil, err
	}
	m, err := c.newMessage(ei, req)
	if err != nil {
		return nil, err
	}
	m.Token = c.reg.NextToken(ei.key)
	mid := c.reg.NextMessageID()
	m.MessageID = mid
	m.Destination = ei.peerAddr

	// Registered as a multicast-style exchange: completeMulticast keeps
	// the waiter open across repeated by-token matches instead of
	// resolving once, which is exactly the repeated-delivery shape an
	// observe relation needs.
	ex := exchange.NewExchange(ei.key, m, true)
	c.reg.Register(ex, ei.peerAddr, mid)

	raw, err := c.encode(ei, m)
	if err != nil {
		c.reg.Forget(ex, ei.peerAddr, mid)
		return nil, errors.Wrap(ErrFormat, err.Error())
	}
	if err := t.Send(ei.peerAddr, raw); err != nil {
		c.reg.Forget(ex, ei.peerAddr, mid)
		return nil, errors.Wrap(ErrTransport, err.Error())
	}

	if m.Type == coap.Confirmable && ei.scheme.Transport == "udp" {
		ex.Timer = reliability.Start(reliability.Config{
			ACKTimeout:      c.cfg.ACKTimeout,
			ACKRandomFactor: c.cfg.ACKRandomFactor,
			ACKTimeoutScale: c.cfg.ACKTimeoutScale,
			MaxRetransmit:   c.cfg.MaxRetransmit,
		}, func(attempt int) {
			m.Retransmits = attempt
			raw, err := c.encode(ei, m)
			if err != nil {
				return
			}
			_ = t.Send(ei.peerAddr, raw)
		}, func() {
			c.reg.Forget(ex, ei.peerAddr, mid)
			ex.Timeout()
		})
	}

	res, ok := <-ex.Wait()
	if !ok || res.Err != nil {
		c.reg.Forget(ex, ei.peerAddr, mid)
		switch res.Err {
		case exchange.ErrTimedOut:
			return nil, ErrTimeout
		case exchange.ErrRejected:
			return nil, ErrPeerReset
		default:
			return nil, ErrCancelled
		}
	}

	rel := observe.NewRelation(ei.key, m.Token, m.Path())
	if seq, has := res.Message.Options.GetFirst(coap.Observe); has {
		rel.Accept(decodeOptionUint(seq), time.Now())
	}
	c.observeRg.Register(rel)

	ob := &Observation{
		First:         &Response{Message: res.Message, endpoint: ei.key},
		c:             c,
		ex:            ex,
		rel:           rel,
		ei:            ei,
		mid:           mid,
		notifications: make(chan *Response, 8),
	}
	go ob.pump()
	return ob, nil
}
