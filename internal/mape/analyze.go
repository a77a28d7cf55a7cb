package mape

import (
	"fmt"
	"log"
	"os"
	"sync"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
)

// Analyzer maps each fact record to exactly one decision through a fixed
// rule table. First matching rule wins.
type Analyzer struct {
	log *log.Logger
	b   *bus.Bus

	mu       sync.Mutex
	lastTick uint64

	cancels []func()
}

func NewAnalyzer(b *bus.Bus) *Analyzer {
	return &Analyzer{
		log: log.New(os.Stdout, "[analyze] ", log.LstdFlags|log.Lmicroseconds),
		b:   b,
	}
}

func (a *Analyzer) Start() {
	a.cancels = append(a.cancels,
		a.b.Subscribe(bus.TopicSystemReset, a.onReset),
		a.b.Subscribe(bus.TopicMonitorResult, a.onFacts),
	)
}

func (a *Analyzer) Stop() {
	for _, c := range a.cancels {
		c()
	}
	a.cancels = nil
}

func (a *Analyzer) onReset(bus.Envelope) {
	a.mu.Lock()
	a.lastTick = 0
	a.mu.Unlock()
}

func (a *Analyzer) onFacts(env bus.Envelope) {
	if env.Epoch < a.b.Epoch() {
		return
	}
	f, ok := env.Payload.(protocol.FactRecord)
	if !ok {
		return
	}
	a.mu.Lock()
	if f.Tick <= a.lastTick {
		a.mu.Unlock()
		return
	}
	a.lastTick = f.Tick
	a.mu.Unlock()

	d, reason := decide(f)
	if d != protocol.DecisionNoAction {
		a.log.Printf("tick=%d decision=%s (%s)", f.Tick, d, reason)
	}
	a.b.Publish(bus.TopicAnalyzeResult, protocol.AnalyzeResult{
		Tick:     f.Tick,
		Epoch:    f.Epoch,
		Decision: d,
		Reason:   reason,
	})
}

// decide is the rule table. Order matters: a mission start beats replan
// noise, replan beats stuck entry, and stuck recovery beats arrival
// handling.
func decide(f protocol.FactRecord) (protocol.Decision, string) {
	if !f.Initialized {
		return protocol.DecisionNoAction, "uninitialized"
	}
	st := f.MissionState

	if st == protocol.MissionCollecting && f.PendingCount > 0 {
		if f.PendingCount >= f.Capacity {
			return protocol.DecisionStartMission, fmt.Sprintf("pending %d >= capacity %d", f.PendingCount, f.Capacity)
		}
		// TimeoutSec 0 means the timeout rule is off, not fire-immediately.
		if f.TimeoutSec > 0 && f.ElapsedSincePending >= f.TimeoutSec {
			return protocol.DecisionStartMission, fmt.Sprintf("waited %.1fs >= %.0fs", f.ElapsedSincePending, f.TimeoutSec)
		}
	}
	if st == protocol.MissionActive || st == protocol.MissionReturning {
		if f.PathBlocked {
			return protocol.DecisionReplan, "path blocked"
		}
		if !f.ObstacleDeltaEmpty() {
			return protocol.DecisionReplan, "obstacle layout changed"
		}
	}
	if f.RobotStuck {
		return protocol.DecisionEnterStuck, "no valid next step"
	}
	if st == protocol.MissionStuck && f.RouteViable {
		return protocol.DecisionResume, "route viable again"
	}
	if st == protocol.MissionActive && f.LoadedCount == 0 {
		return protocol.DecisionBeginReturn, "all orders delivered"
	}
	if st == protocol.MissionReturning && f.AtBase && f.PlanDone {
		return protocol.DecisionCompleteMission, "robot back at base"
	}
	return protocol.DecisionNoAction, ""
}
