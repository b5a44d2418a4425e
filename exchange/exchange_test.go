package exchange

import (
	"testing"
	"time"

	coap "github.com/namib-project/coap"
	"github.com/namib-project/coap/dedup"
)

func newTestRegistry() *Registry {
	return NewRegistry(Options{Dedup: dedup.New(time.Minute, 0, 0)})
}

func noopEmit(string, *coap.Message) ([]byte, error) { return nil, nil }

func TestRoutePiggyBackedResponseCompletesWaiter(t *testing.T) {
	r := newTestRegistry()
	token := r.NextToken("ep")
	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, Token: token}
	ex := NewExchange("ep", req, false)
	r.Register(ex, "peer:5683", 7)

	resp := &coap.Message{Type: coap.Acknowledgement, Code: coap.Content, MessageID: 7, Token: token}
	r.Route("ep", "peer:5683", resp, noopEmit, nil)

	select {
	case res := <-ex.Wait():
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Message.Code != coap.Content {
			t.Fatalf("expected Content, got %v", res.Message.Code)
		}
	default:
		t.Fatal("expected exchange to complete")
	}
}

func TestRouteUnmatchedResponseEmitsRST(t *testing.T) {
	r := newTestRegistry()
	var sentRST bool
	emit := func(peer string, m *coap.Message) ([]byte, error) {
		if m.Type == coap.Reset {
			sentRST = true
		}
		return nil, nil
	}
	resp := &coap.Message{Type: coap.Confirmable, Code: coap.Content, MessageID: 99, Token: []byte{1, 2, 3}}
	r.Route("ep", "peer:5683", resp, emit, nil)
	if !sentRST {
		t.Fatal("expected RST for unmatched response")
	}
}

func TestRouteEmptyConIsPing(t *testing.T) {
	r := newTestRegistry()
	var rstMID uint16
	var gotRST bool
	emit := func(peer string, m *coap.Message) ([]byte, error) {
		if m.Type == coap.Reset {
			gotRST = true
			rstMID = m.MessageID
		}
		return nil, nil
	}
	ping := &coap.Message{Type: coap.Confirmable, Code: coap.Empty, MessageID: 55}
	r.Route("ep", "peer:5683", ping, emit, nil)
	if !gotRST || rstMID != 55 {
		t.Fatalf("expected RST(55) reply to empty CON ping, got rst=%v mid=%d", gotRST, rstMID)
	}
}

func TestRouteEmptyACKAcknowledgesWithoutCompleting(t *testing.T) {
	r := newTestRegistry()
	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, Token: r.NextToken("ep")}
	ex := NewExchange("ep", req, false)
	r.Register(ex, "peer:5683", 12)

	ack := &coap.Message{Type: coap.Acknowledgement, Code: coap.Empty, MessageID: 12}
	r.Route("ep", "peer:5683", ack, nil, nil)

	if !ack.Acknowledged {
		t.Fatal("expected Acknowledged flag set")
	}
	select {
	case <-ex.Wait():
		t.Fatal("bare piggy-backed-pending ACK must not complete the exchange")
	default:
	}
}

func TestRouteResetRejectsExchange(t *testing.T) {
	r := newTestRegistry()
	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, Token: r.NextToken("ep")}
	ex := NewExchange("ep", req, false)
	r.Register(ex, "peer:5683", 13)

	rst := &coap.Message{Type: coap.Reset, Code: coap.Empty, MessageID: 13}
	r.Route("ep", "peer:5683", rst, nil, nil)

	select {
	case res := <-ex.Wait():
		if res.Err != ErrRejected || !res.Message.Rejected {
			t.Fatalf("expected ErrRejected with Rejected flag, got %+v", res)
		}
	default:
		t.Fatal("expected exchange completion on RST")
	}
}

func TestRouteDuplicateInboundIsSuppressed(t *testing.T) {
	r := newTestRegistry()
	var emitCount int
	emit := func(string, *coap.Message) ([]byte, error) {
		emitCount++
		return []byte("rst-21"), nil
	}
	m1 := &coap.Message{Type: coap.Confirmable, Code: coap.Empty, MessageID: 21}
	r.Route("ep", "peer:5683", m1, emit, nil)

	var resent []byte
	resend := func(peer string, raw []byte) error { resent = raw; return nil }
	m2 := &coap.Message{Type: coap.Confirmable, Code: coap.Empty, MessageID: 21}
	r.Route("ep", "peer:5683", m2, emit, resend)
	if !m2.Duplicate {
		t.Fatal("expected second delivery to be flagged duplicate")
	}
	if emitCount != 1 {
		t.Fatalf("expected the synthetic RST to be emitted only once, got %d", emitCount)
	}
	if string(resent) != "rst-21" {
		t.Fatalf("expected the duplicate to be answered with the cached bytes, got %q", resent)
	}
}

// TestRouteDuplicateSeparateResponseReAcks covers the production case
// the dedup cache exists for: a server retransmitting a separate CON
// response because the client's first ACK was lost must get that ACK
// resent, not silently dropped (spec.md §4.D).
func TestRouteDuplicateSeparateResponseReAcks(t *testing.T) {
	r := newTestRegistry()
	token := r.NextToken("ep")
	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, Token: token}
	ex := NewExchange("ep", req, false)
	r.Register(ex, "peer:5683", 7)

	emit := func(peer string, m *coap.Message) ([]byte, error) {
		return []byte{byte(m.Type), byte(m.MessageID)}, nil
	}
	first := &coap.Message{Type: coap.Confirmable, Code: coap.Content, MessageID: 30, Token: token}
	r.Route("ep", "peer:5683", first, emit, nil)
	<-ex.Wait() // drain so the exchange's own bookkeeping doesn't mask the dedup path

	var resent []byte
	resend := func(peer string, raw []byte) error { resent = raw; return nil }
	dup := &coap.Message{Type: coap.Confirmable, Code: coap.Content, MessageID: 30, Token: token}
	r.Route("ep", "peer:5683", dup, emit, resend)
	if !dup.Duplicate {
		t.Fatal("expected retransmitted separate response to be flagged duplicate")
	}
	want := []byte{byte(coap.Acknowledgement), 30}
	if string(resent) != string(want) {
		t.Fatalf("expected cached ACK bytes %v to be resent, got %v", want, resent)
	}
}

func TestRouteFormatErrorOnConfirmableEmitsRST(t *testing.T) {
	r := newTestRegistry()
	var gotRST bool
	emit := func(peer string, m *coap.Message) ([]byte, error) {
		if m.Type == coap.Reset {
			gotRST = true
		}
		return nil, nil
	}
	bad := &coap.Message{Type: coap.Confirmable, HasFormatError: true, MessageID: 1}
	r.Route("ep", "peer:5683", bad, emit, nil)
	if !gotRST {
		t.Fatal("expected RST reply to a malformed confirmable message")
	}
}

func TestNextTokenSkipsInUseTokens(t *testing.T) {
	r := NewRegistry(Options{})
	first := r.NextToken("ep")
	ex := NewExchange("ep", &coap.Message{Token: first}, false)
	r.Register(ex, "peer", 1)

	r.tokenCounter = 0 // rewind so the next candidate is the in-use token
	second := r.NextToken("ep")
	if string(second) == string(first) {
		t.Fatal("expected distinct token while first is still registered")
	}
}

func TestNextMessageIDWrapsModulo2to16(t *testing.T) {
	r := NewRegistry(Options{})
	r.midCounter = 0xFFFF
	a := r.NextMessageID()
	b := r.NextMessageID()
	if a != 0xFFFF || b != 0 {
		t.Fatalf("expected wraparound 0xFFFF->0, got %d, %d", a, b)
	}
}

func TestCancelUnblocksWaiterExactlyOnce(t *testing.T) {
	ex := NewExchange("ep", &coap.Message{}, false)
	ex.Cancel()
	ex.Cancel() // no-op, must not panic or double-send
	res := <-ex.Wait()
	if res.Err != ErrCancelled || !res.Message.Cancelled {
		t.Fatalf("expected cancellation result, got %+v", res)
	}
}

func TestMulticastExchangeDeliversRepeatedlyAndStopsTimerOnce(t *testing.T) {
	r := newTestRegistry()
	token := r.NextToken("ep")
	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, Token: token}
	ex := NewExchange("ep", req, true)
	r.Register(ex, "peer:5683", 7)

	first := &coap.Message{Type: coap.Acknowledgement, Code: coap.Content, MessageID: 7, Token: token}
	r.Route("ep", "peer:5683", first, noopEmit, nil)
	if !ex.timerStopped {
		t.Fatal("expected first delivery to mark the retransmit timer stopped")
	}
	select {
	case res := <-ex.Wait():
		if res.Err != nil {
			t.Fatalf("first delivery: unexpected error %v", res.Err)
		}
	default:
		t.Fatal("expected first delivery to be pending")
	}

	second := &coap.Message{Type: coap.Confirmable, Code: coap.Content, MessageID: 8, Token: token}
	r.Route("ep", "peer:5683", second, noopEmit, nil)
	select {
	case res := <-ex.Wait():
		if res.Err != nil {
			t.Fatalf("second delivery: unexpected error %v", res.Err)
		}
	default:
		t.Fatal("expected second delivery to be pending")
	}
	if ex.done {
		t.Fatal("multicast/observe exchange must not be marked done by ordinary deliveries")
	}
}
