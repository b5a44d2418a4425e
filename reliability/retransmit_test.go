package reliability

import (
	"sync"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		ACKTimeout:      5 * time.Millisecond,
		ACKRandomFactor: 1.0, // deterministic for the test
		ACKTimeoutScale: 2.0,
		MaxRetransmit:   4,
	}
}

func TestRetransmitUntilTimeout(t *testing.T) {
	cfg := fastConfig()

	var mu sync.Mutex
	var attempts []int
	timedOut := make(chan struct{})

	Start(cfg,
		func(attempt int) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		},
		func() { close(timedOut) },
	)

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retransmit timeout callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != cfg.MaxRetransmit {
		t.Fatalf("expected %d retransmits, got %d (%v)", cfg.MaxRetransmit, len(attempts), attempts)
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Fatalf("attempts out of order: %v", attempts)
		}
	}
}

func TestCancelStopsRetransmission(t *testing.T) {
	cfg := fastConfig()
	var calls int
	var mu sync.Mutex

	timer := Start(cfg, func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, func() {
		t.Fatal("timeout should not fire after cancel")
	})

	timer.Cancel()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no retransmissions after immediate cancel, got %d", calls)
	}
}

func TestFirstDelayWithinBounds(t *testing.T) {
	cfg := Config{ACKTimeout: 2 * time.Second, ACKRandomFactor: 1.5}
	for i := 0; i < 50; i++ {
		d := cfg.firstDelay()
		if d < cfg.ACKTimeout || d >= time.Duration(float64(cfg.ACKTimeout)*cfg.ACKRandomFactor) {
			t.Fatalf("first delay %v out of [%v, %v)", d, cfg.ACKTimeout, time.Duration(float64(cfg.ACKTimeout)*cfg.ACKRandomFactor))
		}
	}
}

func TestCancelAfterTimeoutIsNoop(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetransmit = 0
	timedOut := make(chan struct{})
	timer := Start(cfg, func(int) {}, func() { close(timedOut) })
	<-timedOut
	timer.Cancel() // must not panic
}
