// Package transport implements the bindings of spec.md §4.I: a
// narrow Transport contract plus concrete UDP, TCP and WebSocket
// implementations, each responsible only for moving framed bytes to
// and from a peer and handing inbound datagrams to a Receiver. Socket
// binding itself — which network stack, which TLS/DTLS library — is
// the one area spec.md §1 leaves to the surrounding application, so
// these bindings are deliberately the thinnest layer in the module.
package transport

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	coap "github.com/namib-project/coap"
)

const maxDatagramSize = 1500

// ErrClosed is returned by Send/Serve once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// Receiver is invoked once per inbound message, with the sending
// peer's address string and the raw framed bytes (still to be
// decoded by the caller via coap.DecodeUDP/DecodeTCP/DecodeWS).
type Receiver func(peer string, raw []byte)

// Transport is the narrow bidirectional contract spec.md §4.I asks
// for: send bytes to a peer, and deliver inbound bytes to a Receiver
// until Close.
type Transport interface {
	// LocalAddr identifies this endpoint, e.g. "udp://[::]:0".
	LocalAddr() string
	// Send transmits raw bytes to peer (an address string in the
	// transport's own addressing scheme).
	Send(peer string, raw []byte) error
	// Serve delivers inbound messages to recv until the transport is
	// closed; it blocks and should be run in its own goroutine.
	Serve(recv Receiver) error
	// Close releases the underlying socket(s).
	Close() error
}

// UDP is a connectionless transport built around a Transmit/Receive/
// Serve trio, generalized from a server-only ListenAndServe loop to a
// bidirectional client endpoint that also originates outbound
// datagrams.
type UDP struct {
	conn *net.UDPConn

	mu     sync.Mutex
	closed bool
}

// DialUDP binds a UDP socket. addr may be ":0" for an ephemeral local
// port (the common client case) or a specific local address to bind to.
func DialUDP(network, addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: resolve udp addr")
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen udp")
	}
	return &UDP{conn: conn}, nil
}

func (u *UDP) LocalAddr() string { return "udp://" + u.conn.LocalAddr().String() }

func (u *UDP) Send(peer string, raw []byte) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.mu.Unlock()
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return errors.Wrap(err, "transport: resolve peer addr")
	}
	_, err = u.conn.WriteToUDP(raw, addr)
	return err
}

func (u *UDP) Serve(recv Receiver) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if closed {
				return ErrClosed
			}
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				continue
			}
			coap.TraceError("transport(udp): read error: %s", err)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		go recv(addr.String(), cp)
	}
}

func (u *UDP) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	return u.conn.Close()
}

// TCP is a connection-oriented transport implementing the RFC 8323
// length-prefixed stream framing (coap.EncodeTCP/DecodeTCP), built on
// the same accept/read loop shape as UDP.Serve.
type TCP struct {
	conn net.Conn

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// DialTCP opens a CoAP-over-TCP connection to addr.
func DialTCP(addr string, timeout time.Duration) (*TCP, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial tcp")
	}
	return &TCP{conn: conn}, nil
}

func (t *TCP) LocalAddr() string { return "tcp://" + t.conn.LocalAddr().String() }

func (t *TCP) Send(peer string, raw []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()
	_, err := t.conn.Write(raw)
	return err
}

// Serve reads the single peer this connection is dialed to and
// reassembles RFC 8323 frames from the byte stream before invoking
// recv once per complete message.
func (t *TCP) Serve(recv Receiver) error {
	peer := t.conn.RemoteAddr().String()
	readBuf := make([]byte, 4096)
	for {
		n, err := t.conn.Read(readBuf)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, readBuf[:n]...)
			t.mu.Unlock()
			t.drainFrames(peer, recv)
		}
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return err
		}
	}
}

func (t *TCP) drainFrames(peer string, recv Receiver) {
	for {
		t.mu.Lock()
		if len(t.buf) == 0 {
			t.mu.Unlock()
			return
		}
		m, consumed := coap.DecodeTCP(t.buf)
		// A format error that consumed the whole buffer is the stream
		// reframer's signal for "not enough bytes yet" rather than a
		// genuinely malformed frame, since DecodeTCP cannot tell the two
		// apart from a truncated prefix alone; wait for more reads.
		if consumed == 0 || (m.HasFormatError && consumed >= len(t.buf)) {
			t.mu.Unlock()
			return
		}
		frame := make([]byte, consumed)
		copy(frame, t.buf[:consumed])
		t.buf = t.buf[consumed:]
		t.mu.Unlock()
		recv(peer, frame)
	}
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// WS is a CoAP-over-WebSocket transport (RFC 8323 §6) built on
// gorilla/websocket, where each WebSocket binary message carries
// exactly one CoAP message framed without the TCP length prefix.
type WS struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// DialWS opens a CoAP-over-WebSocket connection to a ws:// or wss:// URL.
func DialWS(url string) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial websocket")
	}
	return &WS{conn: conn}, nil
}

func (w *WS) LocalAddr() string { return "ws://" + w.conn.LocalAddr().String() }

func (w *WS) Send(peer string, raw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (w *WS) Serve(recv Receiver) error {
	peer := w.conn.RemoteAddr().String()
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		recv(peer, data)
	}
}

func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}

// Registry maps a (scheme, host, port) endpoint key to the Transport
// serving it, so a client reuses one socket per destination rather
// than dialing fresh for every request. The Registry does no DNS
// lookup and holds no credentials: keys are whatever the caller
// formats with EndpointKey, and the client formats them from the
// URI's host as written, not from the resolved address.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]Transport
}

// NewRegistry creates an empty endpoint Registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]Transport)}
}

// EndpointKey formats the registry's lookup key for a destination.
func EndpointKey(scheme, host string, port int) string {
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Get returns the cached Transport for key, if one has been registered.
func (r *Registry) Get(key string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.endpoints[key]
	return t, ok
}

// Put caches t under key, replacing and closing any existing entry.
func (r *Registry) Put(key string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.endpoints[key]; ok && old != t {
		_ = old.Close()
	}
	r.endpoints[key] = t
}

// CloseAll closes every registered Transport.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for k, t := range r.endpoints {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.endpoints, k)
	}
	return first
}
