package client

import (
	"net"
	"testing"
	"time"

	coap "github.com/namib-project/coap"
)

// fakeServer is a minimal raw-UDP CoAP peer driven directly by the
// test, standing in for the "real" server spec.md places out of scope
// for this engine (spec.md §1: sockets/servers are external).
type fakeServer struct {
	conn *net.UDPConn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{conn: conn}
}

func (s *fakeServer) addr() string { return s.conn.LocalAddr().String() }
func (s *fakeServer) close()       { s.conn.Close() }

func (s *fakeServer) recv(t *testing.T) (*coap.Message, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	m := coap.DecodeUDP(buf[:n])
	return m, addr
}

func (s *fakeServer) send(t *testing.T, addr *net.UDPAddr, m *coap.Message) {
	t.Helper()
	raw, err := coap.EncodeUDP(m)
	if err != nil {
		t.Fatalf("server encode: %v", err)
	}
	if _, err := s.conn.WriteToUDP(raw, addr); err != nil {
		t.Fatalf("server send: %v", err)
	}
}

func TestGetPiggyBackedSuccess(t *testing.T) {
	server := newFakeServer(t)
	defer server.close()

	c := New()
	defer c.Close()

	done := make(chan struct{})
	go func() {
		req, addr := server.recv(t)
		if req.Code != coap.GET {
			t.Errorf("expected GET, got %v", req.Code)
		}
		resp := &coap.Message{
			Type:      coap.Acknowledgement,
			Code:      coap.Content,
			MessageID: req.MessageID,
			Token:     req.Token,
			Payload:   []byte("hello"),
		}
		server.send(t, addr, resp)
		close(done)
	}()

	res, err := c.Get("coap://" + server.addr() + "/sensors/temp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(res.Message.Payload) != "hello" {
		t.Fatalf("unexpected payload: %q", res.Message.Payload)
	}
	<-done
}

func TestGetSeparateResponse(t *testing.T) {
	server := newFakeServer(t)
	defer server.close()

	c := New()
	defer c.Close()

	go func() {
		req, addr := server.recv(t)
		// Empty ACK first (separate response).
		server.send(t, addr, &coap.Message{Type: coap.Acknowledgement, Code: coap.Empty, MessageID: req.MessageID})
		// Then the real response as a new CON carrying the same token.
		server.send(t, addr, &coap.Message{
			Type: coap.Confirmable, Code: coap.Content,
			MessageID: req.MessageID + 1, Token: req.Token, Payload: []byte("later"),
		})
		// Expect the client's ACK for that separate CON response.
		server.recv(t)
	}()

	res, err := c.Get("coap://" + server.addr() + "/slow")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(res.Message.Payload) != "later" {
		t.Fatalf("unexpected payload: %q", res.Message.Payload)
	}
}

func TestGetRetransmitsUntilTimeout(t *testing.T) {
	server := newFakeServer(t)
	defer server.close() // never respond

	c := New(WithACKTimeout(5*time.Millisecond), WithACKRandomFactor(1.0), WithMaxRetransmit(2))
	defer c.Close()

	_, err := c.Get("coap://" + server.addr() + "/nope")
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPingSucceedsOnReset(t *testing.T) {
	server := newFakeServer(t)
	defer server.close()

	c := New()
	defer c.Close()

	go func() {
		req, addr := server.recv(t)
		server.send(t, addr, &coap.Message{Type: coap.Reset, Code: coap.Empty, MessageID: req.MessageID})
	}()

	if err := c.Ping("coap://" + server.addr() + "/"); err != nil {
		t.Fatalf("expected ping success on RST, got %v", err)
	}
}

func TestBadOptionRejectedBeforeSend(t *testing.T) {
	c := New()
	defer c.Close()

	// 9 is unassigned in this module's option table and odd, hence
	// critical.
	_, err := c.Get("coap://127.0.0.1:0/x", coap.Option{ID: 9, Value: []byte("x")})
	if errOf(err) != ErrBadOption {
		t.Fatalf("expected ErrBadOption, got %v", err)
	}
}

func TestObserveDeliversFreshNotificationsAndDropsStale(t *testing.T) {
	server := newFakeServer(t)
	defer server.close()

	c := New()
	defer c.Close()

	go func() {
		req, addr := server.recv(t)
		server.send(t, addr, &coap.Message{
			Type: coap.Acknowledgement, Code: coap.Content,
			MessageID: req.MessageID, Token: req.Token, Payload: []byte("v5"),
			Options: coap.Options{{ID: coap.Observe, Value: uint32(5)}},
		})
		server.send(t, addr, &coap.Message{
			Type: coap.Confirmable, Code: coap.Content,
			MessageID: req.MessageID + 1, Token: req.Token, Payload: []byte("v6"),
			Options: coap.Options{{ID: coap.Observe, Value: uint32(6)}},
		})
		server.recv(t) // the client's ACK of the CON notification above
		server.send(t, addr, &coap.Message{
			Type: coap.NonConfirmable, Code: coap.Content,
			MessageID: req.MessageID + 2, Token: req.Token, Payload: []byte("stale"),
			Options: coap.Options{{ID: coap.Observe, Value: uint32(4)}},
		})
	}()

	obs, err := c.Observe("coap://" + server.addr() + "/events")
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if string(obs.First.Message.Payload) != "v5" {
		t.Fatalf("unexpected first notification: %q", obs.First.Message.Payload)
	}

	select {
	case n := <-obs.Notifications():
		if string(n.Message.Payload) != "v6" {
			t.Fatalf("expected v6, got %q", n.Message.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second notification")
	}

	select {
	case n := <-obs.Notifications():
		t.Fatalf("expected stale notification to be dropped, got %q", n.Message.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func errOf(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		return err
	}
	return nil
}
