package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []Envelope
	done := make(chan struct{})
	cancel := b.Subscribe("a/topic", func(e Envelope) {
		mu.Lock()
		got = append(got, e)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	defer cancel()

	b.Publish("a/topic", 1)
	b.Publish("other/topic", 99)
	b.Publish("a/topic", 2)
	b.Publish("a/topic", 3)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(got))
	}
	for i, e := range got {
		if e.Topic != "a/topic" {
			t.Errorf("envelope %d topic = %s", i, e.Topic)
		}
		if e.Payload != i+1 {
			t.Errorf("envelope %d payload = %v, want %d (per-subscriber order)", i, e.Payload, i+1)
		}
	}
	if !(got[0].Seq < got[1].Seq && got[1].Seq < got[2].Seq) {
		t.Errorf("seq not increasing: %d %d %d", got[0].Seq, got[1].Seq, got[2].Seq)
	}
}

func TestSynchronousMode(t *testing.T) {
	b := New(Synchronous())
	defer b.Close()

	var got []any
	b.Subscribe("t", func(e Envelope) { got = append(got, e.Payload) })

	b.Publish("t", "x")
	b.Publish("t", "y")

	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("sync delivery = %v, want [x y]", got)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(Synchronous())
	defer b.Close()

	n := 0
	cancel := b.Subscribe("t", func(Envelope) { n++ })
	b.Publish("t", nil)
	cancel()
	cancel() // second cancel is a no-op
	b.Publish("t", nil)

	if n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
}

func TestEpochStampsAndBump(t *testing.T) {
	b := New(Synchronous())
	defer b.Close()

	var epochs []uint64
	b.Subscribe("t", func(e Envelope) { epochs = append(epochs, e.Epoch) })

	b.Publish("t", nil)
	next := b.BumpEpoch()
	b.Publish("t", nil)

	if len(epochs) != 2 {
		t.Fatalf("got %d envelopes", len(epochs))
	}
	if epochs[0] != 1 || epochs[1] != 2 || next != 2 {
		t.Fatalf("epochs = %v bump = %d, want [1 2] and 2", epochs, next)
	}
	if b.Epoch() != 2 {
		t.Fatalf("Epoch() = %d, want 2", b.Epoch())
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	b := New(WithQueueSize(1))
	defer b.Close()

	release := make(chan struct{})
	seen := make(chan any, 8)
	b.Subscribe("t", func(e Envelope) {
		<-release
		seen <- e.Payload
	})

	// First fills the handler, second fills the queue, third must drop.
	b.Publish("t", 1)
	time.Sleep(20 * time.Millisecond) // let the drain goroutine pick up #1
	b.Publish("t", 2)

	done := make(chan struct{})
	go func() {
		b.Publish("t", 3)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	close(release)
	if p := <-seen; p != 1 {
		t.Fatalf("first delivery = %v, want 1", p)
	}
	if p := <-seen; p != 2 {
		t.Fatalf("second delivery = %v, want 2", p)
	}
	select {
	case p := <-seen:
		t.Fatalf("unexpected third delivery %v, want drop", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseStopsEverything(t *testing.T) {
	b := New(Synchronous())
	n := 0
	b.Subscribe("t", func(Envelope) { n++ })
	b.Close()
	b.Close() // idempotent
	b.Publish("t", nil)
	if n != 0 {
		t.Fatalf("handler ran after Close")
	}
}
