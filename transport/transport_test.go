package transport

import (
	"testing"
	"time"
)

func TestEndpointKeyFormatsHostPort(t *testing.T) {
	got := EndpointKey("coap", "2001:db8::1", 5683)
	want := "coap://[2001:db8::1]:5683"
	if got != want {
		t.Fatalf("EndpointKey = %q, want %q", got, want)
	}
}

type fakeTransport struct {
	closed bool
}

func (f *fakeTransport) LocalAddr() string         { return "fake://local" }
func (f *fakeTransport) Send(string, []byte) error { return nil }
func (f *fakeTransport) Serve(Receiver) error       { return nil }
func (f *fakeTransport) Close() error               { f.closed = true; return nil }

func TestRegistryPutReplacesAndClosesOld(t *testing.T) {
	r := NewRegistry()
	first := &fakeTransport{}
	second := &fakeTransport{}
	r.Put("k", first)
	r.Put("k", second)
	if !first.closed {
		t.Fatal("expected replaced transport to be closed")
	}
	got, ok := r.Get("k")
	if !ok || got != second {
		t.Fatal("expected registry to hold the latest transport")
	}
}

func TestRegistryCloseAllClosesEverything(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeTransport{}, &fakeTransport{}
	r.Put("a", a)
	r.Put("b", b)
	if err := r.CloseAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("expected CloseAll to close every registered transport")
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("expected registry to be emptied after CloseAll")
	}
}

func TestUDPLoopbackSendReceive(t *testing.T) {
	server, err := DialUDP("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("DialUDP server: %v", err)
	}
	defer server.Close()

	client, err := DialUDP("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("DialUDP client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	go server.Serve(func(peer string, raw []byte) {
		received <- string(raw)
	})

	serverAddr := server.LocalAddr()[len("udp://"):]
	if err := client.Send(serverAddr, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for UDP loopback delivery")
	}
}
