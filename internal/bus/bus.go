// Package bus is the in-process publish/subscribe fabric connecting the
// environment, the knowledge store and the control loop stages. Delivery
// is at-most-once: each subscriber drains its own buffered queue and slow
// subscribers lose messages rather than stall publishers.
package bus

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Envelope wraps a payload with routing and ordering metadata. Seq is
// global publish order; Epoch identifies the system generation so stale
// messages from before a reset can be discarded.
type Envelope struct {
	Topic   string
	Seq     uint64
	Epoch   uint64
	At      time.Time
	Payload any
}

// Handler receives envelopes for one subscription. In async mode it runs
// on the subscription's own goroutine, so per-topic order is preserved per
// subscriber.
type Handler func(Envelope)

type subscriber struct {
	topic string
	fn    Handler
	queue chan Envelope
	quit  chan struct{}
	done  chan struct{}
}

// Bus routes envelopes by exact topic match.
type Bus struct {
	log       *log.Logger
	queueSize int
	sync      bool

	seq   atomic.Uint64
	epoch atomic.Uint64

	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool
}

type Option func(*Bus)

func WithLogger(l *log.Logger) Option { return func(b *Bus) { b.log = l } }

// WithQueueSize sets the per-subscriber buffer.
func WithQueueSize(n int) Option { return func(b *Bus) { b.queueSize = n } }

// Synchronous delivers inline on the publisher's goroutine. Intended for
// tests that need deterministic interleaving.
func Synchronous() Option { return func(b *Bus) { b.sync = true } }

func New(opts ...Option) *Bus {
	b := &Bus{
		log:       log.New(os.Stdout, "[bus] ", log.LstdFlags|log.Lmicroseconds),
		queueSize: 256,
		subs:      map[string][]*subscriber{},
	}
	for _, o := range opts {
		o(b)
	}
	b.epoch.Store(1)
	return b
}

// Epoch is the current system generation.
func (b *Bus) Epoch() uint64 { return b.epoch.Load() }

// BumpEpoch starts a new generation and returns it. Envelopes published
// before the bump carry the old epoch and can be recognized as stale.
func (b *Bus) BumpEpoch() uint64 { return b.epoch.Add(1) }

// Subscribe registers fn for a topic and returns a cancel func. Cancel
// waits for the drain goroutine to stop, so fn is never called after
// cancel returns.
func (b *Bus) Subscribe(topic string, fn Handler) (cancel func()) {
	sub := &subscriber{
		topic: topic,
		fn:    fn,
		queue: make(chan Envelope, b.queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	if !b.sync {
		go sub.run()
	} else {
		close(sub.done)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(sub)
			if !b.sync {
				close(sub.quit)
				<-sub.done
			}
		})
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case env := <-s.queue:
			s.fn(env)
		}
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every current subscriber of topic. It never
// blocks: a subscriber whose queue is full loses the message.
func (b *Bus) Publish(topic string, payload any) Envelope {
	env := Envelope{
		Topic:   topic,
		Seq:     b.seq.Add(1),
		Epoch:   b.epoch.Load(),
		At:      time.Now(),
		Payload: payload,
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return env
	}
	list := b.subs[topic]
	if b.sync {
		// Copy so handlers can subscribe/cancel without holding the lock.
		copied := make([]*subscriber, len(list))
		copy(copied, list)
		b.mu.RUnlock()
		for _, sub := range copied {
			sub.fn(env)
		}
		return env
	}
	for _, sub := range list {
		select {
		case sub.queue <- env:
		default:
			b.log.Printf("drop topic=%s seq=%d: subscriber queue full", topic, env.Seq)
		}
	}
	b.mu.RUnlock()
	return env
}

// Close stops all subscriptions. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = map[string][]*subscriber{}
	b.mu.Unlock()

	for _, sub := range all {
		if !b.sync {
			close(sub.quit)
			<-sub.done
		}
	}
}
