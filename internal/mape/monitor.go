package mape

import (
	"log"
	"os"
	"time"

	"gridcourier/internal/bus"
	"gridcourier/internal/path"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

// Monitor samples the latest knowledge and environment snapshots on each
// tick and publishes a fact record. It mutates nothing.
type Monitor struct {
	log *log.Logger
	b   *bus.Bus
	now func() time.Time

	snapshots
	prevDynamic map[grid.Coord]struct{}

	cancels []func()
}

type MonitorOption func(*Monitor)

func MonitorLogger(l *log.Logger) MonitorOption { return func(m *Monitor) { m.log = l } }

func MonitorClock(now func() time.Time) MonitorOption { return func(m *Monitor) { m.now = now } }

func NewMonitor(b *bus.Bus, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		log: log.New(os.Stdout, "[monitor] ", log.LstdFlags|log.Lmicroseconds),
		b:   b,
		now: time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Monitor) Start() {
	m.cancels = append(m.cancels,
		m.b.Subscribe(bus.TopicKnowledgeUpdate, m.onKnowledge),
		m.b.Subscribe(bus.TopicEnvUpdate, m.onEnvironment),
		m.b.Subscribe(bus.TopicSystemReset, m.onReset),
		m.b.Subscribe(bus.TopicLoopTick, m.onTick),
	)
}

func (m *Monitor) Stop() {
	for _, c := range m.cancels {
		c()
	}
	m.cancels = nil
}

func (m *Monitor) onReset(bus.Envelope) {
	m.clear()
	m.mu.Lock()
	m.prevDynamic = nil
	m.mu.Unlock()
}

func (m *Monitor) onTick(env bus.Envelope) {
	if env.Epoch < m.b.Epoch() {
		return
	}
	tick, ok := env.Payload.(protocol.TickMsg)
	if !ok {
		return
	}
	f := m.sample(tick.Tick, env.Epoch)
	m.b.Publish(bus.TopicMonitorResult, f)
}

// sample derives the fact record for one tick. Safe on an uninitialized
// system: returns a neutral record with Initialized=false.
func (m *Monitor) sample(tick, epoch uint64) protocol.FactRecord {
	f := protocol.FactRecord{Tick: tick, Epoch: epoch}

	k, e, ok := m.latest(epoch)
	if !ok {
		return f
	}
	g, err := grid.FromState(e.Grid)
	if err != nil {
		m.log.Printf("bad grid snapshot: %v", err)
		return f
	}

	f.Initialized = true
	f.KnowledgeRev = k.Rev
	f.EnvRev = e.Rev
	f.MissionState = k.MissionState
	f.Capacity = k.Capacity
	f.TimeoutSec = k.MissionTimeout

	pending := k.PendingOrders()
	f.PendingCount = len(pending)
	if len(pending) > 0 && k.FirstPendingAt != nil {
		f.ElapsedSincePending = m.now().Sub(*k.FirstPendingAt).Seconds()
	}
	loaded := k.LoadedOrders()
	f.LoadedCount = len(loaded)
	f.AtBase = e.Robot.AtBase

	f.ObstaclesAdded, f.ObstaclesRemoved = m.obstacleDelta(e.Grid.Dynamic)

	if k.Plan != nil {
		remaining := k.Plan.Path[min(k.PlanIndex+1, len(k.Plan.Path)):]
		for _, p := range remaining {
			if !g.IsPassable(p.Coord) {
				f.PathBlocked = true
				break
			}
		}
		f.PlanDone = k.PlanIndex >= len(k.Plan.Path)-1
		if (k.MissionState == protocol.MissionActive || k.MissionState == protocol.MissionReturning) &&
			k.PlanIndex+1 < len(k.Plan.Path) && !g.IsPassable(k.Plan.Path[k.PlanIndex+1].Coord) {
			f.RobotStuck = true
		}
	}

	if k.MissionState == protocol.MissionStuck {
		f.RouteViable = m.routeViable(g, e.Robot.Pos, k.Base, loaded)
	}
	return f
}

// obstacleDelta diffs the dynamic obstacle set against the previous tick's
// sample. The first sample reports no delta.
func (m *Monitor) obstacleDelta(dynamic []grid.Coord) (added, removed []grid.Coord) {
	cur := make(map[grid.Coord]struct{}, len(dynamic))
	for _, c := range dynamic {
		cur[c] = struct{}{}
	}

	m.mu.Lock()
	prev := m.prevDynamic
	m.prevDynamic = cur
	m.mu.Unlock()

	if prev == nil {
		return nil, nil
	}
	for c := range cur {
		if _, ok := prev[c]; !ok {
			added = append(added, c)
		}
	}
	for c := range prev {
		if _, ok := cur[c]; !ok {
			removed = append(removed, c)
		}
	}
	return added, removed
}

// routeViable checks whether every remaining destination is reachable
// from the robot, or the base when nothing is left to deliver. The grid
// is undirected, so reachable-from-robot implies pairwise reachable.
func (m *Monitor) routeViable(g *grid.Grid, robot, base grid.Coord, loaded []protocol.Order) bool {
	if len(loaded) == 0 {
		_, err := path.Distance(g, robot, base)
		return err == nil
	}
	for _, o := range loaded {
		if _, err := path.Distance(g, robot, o.House); err != nil {
			return false
		}
	}
	return true
}
