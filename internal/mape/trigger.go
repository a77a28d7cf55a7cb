package mape

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
)

// Trigger paces the control loop: one tick message per interval. Tests
// drive the loop manually through Fire.
type Trigger struct {
	log      *log.Logger
	b        *bus.Bus
	interval time.Duration

	mu   sync.Mutex
	tick uint64

	cancels []func()
}

func NewTrigger(b *bus.Bus, interval time.Duration) *Trigger {
	return &Trigger{
		log:      log.New(os.Stdout, "[trigger] ", log.LstdFlags|log.Lmicroseconds),
		b:        b,
		interval: interval,
	}
}

// Fire publishes the next tick immediately.
func (t *Trigger) Fire() uint64 {
	t.mu.Lock()
	t.tick++
	n := t.tick
	t.mu.Unlock()
	t.b.Publish(bus.TopicLoopTick, protocol.TickMsg{Tick: n})
	return n
}

// Run ticks until ctx is done.
func (t *Trigger) Run(ctx context.Context) {
	t.cancels = append(t.cancels, t.b.Subscribe(bus.TopicSystemReset, t.onReset))
	defer func() {
		for _, c := range t.cancels {
			c()
		}
		t.cancels = nil
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.log.Printf("loop running every %s", t.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Fire()
		}
	}
}

// onReset restarts tick numbering for the new epoch.
func (t *Trigger) onReset(bus.Envelope) {
	t.mu.Lock()
	t.tick = 0
	t.mu.Unlock()
}
