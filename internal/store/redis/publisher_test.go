package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (f *fakeSink) publish(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeSink) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSink) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return nil
	}
	return f.payloads[len(f.payloads)-1]
}

func testPublisher(sink *fakeSink, maxFailures int, resetTimeout time.Duration) *Publisher {
	p := &Publisher{exchange: "binance"}
	p.publishFn = sink.publish
	p.wireBreaker(maxFailures, resetTimeout)
	return p
}

func TestPublish_DeliversPayloads(t *testing.T) {
	sink := &fakeSink{}
	p := testPublisher(sink, 3, time.Second)

	p.Publish(context.Background(), []byte(`{"ts":1}`))
	p.Publish(context.Background(), []byte(`{"ts":2}`))
	if sink.count() != 2 {
		t.Fatalf("delivered=%d, want 2", sink.count())
	}
}

func TestPublish_OpenCircuitHoldsNewestOnly(t *testing.T) {
	sink := &fakeSink{}
	p := testPublisher(sink, 2, time.Minute)

	sink.setErr(errors.New("down"))
	p.Publish(context.Background(), []byte(`{"ts":1}`))
	p.Publish(context.Background(), []byte(`{"ts":2}`)) // trips the breaker
	if p.cb.CurrentState() != StateOpen {
		t.Fatalf("state=%v, want open", p.cb.CurrentState())
	}

	// These hit an open circuit: latest wins.
	p.Publish(context.Background(), []byte(`{"ts":3}`))
	p.Publish(context.Background(), []byte(`{"ts":4}`))
	p.mu.Lock()
	pending := string(p.pending)
	p.mu.Unlock()
	if pending != `{"ts":4}` {
		t.Errorf("pending=%s, want ts 4", pending)
	}
	if sink.count() != 0 {
		t.Errorf("delivered=%d while down, want 0", sink.count())
	}
}

func TestPublish_ReplaysPendingOnClose(t *testing.T) {
	sink := &fakeSink{}
	p := testPublisher(sink, 1, 10*time.Millisecond)

	sink.setErr(errors.New("down"))
	p.Publish(context.Background(), []byte(`{"ts":1}`)) // opens
	p.Publish(context.Background(), []byte(`{"ts":2}`)) // held

	sink.setErr(nil)
	time.Sleep(20 * time.Millisecond)
	// Next publish goes through half-open and closes the breaker, which
	// replays the held payload.
	p.Publish(context.Background(), []byte(`{"ts":3}`))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.count() == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 2 {
		t.Fatalf("delivered=%d, want probe + replay", sink.count())
	}
	if string(sink.last()) != `{"ts":2}` {
		t.Errorf("replayed=%s, want the held ts 2", sink.last())
	}
}

func TestRun_StopsOnClosedChannel(t *testing.T) {
	sink := &fakeSink{}
	p := testPublisher(sink, 3, time.Second)

	ch := make(chan []byte, 2)
	ch <- []byte(`{"ts":1}`)
	close(ch)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if sink.count() != 1 {
		t.Errorf("delivered=%d, want 1", sink.count())
	}
}
