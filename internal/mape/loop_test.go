package mape

import (
	"sync"
	"testing"
	"time"

	"gridcourier/internal/bus"
	"gridcourier/internal/knowledge"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/env"
	"gridcourier/internal/sim/grid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// harness wires a complete loop on a synchronous bus, so one Fire runs
// the whole monitor-analyze-plan-execute chain inline.
type harness struct {
	t     *testing.T
	b     *bus.Bus
	clock *fakeClock
	store *knowledge.Store
	world *env.Service
	trg   *Trigger

	mu        sync.Mutex
	decisions []protocol.Decision
}

func newHarness(t *testing.T, cfg grid.Config, capacity int) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		b:     bus.New(bus.Synchronous()),
		clock: &fakeClock{t: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)},
	}
	t.Cleanup(h.b.Close)

	houseSet := map[grid.Coord]bool{}
	for _, c := range cfg.Houses {
		houseSet[c] = true
	}
	h.store = knowledge.New(h.b,
		knowledge.WithClock(h.clock.Now),
		knowledge.WithHouseValidator(func(c grid.Coord) bool { return houseSet[c] }),
	)
	h.store.Start()
	t.Cleanup(h.store.Stop)

	world, err := env.New(h.b, cfg, capacity)
	if err != nil {
		t.Fatalf("env.New: %v", err)
	}
	h.world = world

	mon := NewMonitor(h.b, MonitorClock(h.clock.Now))
	ana := NewAnalyzer(h.b)
	pl := NewPlanner(h.b, PlannerClock(h.clock.Now))
	ex := NewExecutor(h.b, ExecutorClock(h.clock.Now))
	for _, s := range []interface{ Start() }{mon, ana, pl, ex} {
		s.Start()
	}
	t.Cleanup(func() { mon.Stop(); ana.Stop(); pl.Stop(); ex.Stop() })

	h.b.Subscribe(bus.TopicAnalyzeResult, func(e bus.Envelope) {
		r := e.Payload.(protocol.AnalyzeResult)
		h.mu.Lock()
		h.decisions = append(h.decisions, r.Decision)
		h.mu.Unlock()
	})

	h.world.Start()
	t.Cleanup(h.world.Stop)

	h.trg = NewTrigger(h.b, time.Hour)
	h.b.Publish(bus.TopicSystemInit, protocol.InitMsg{Base: cfg.Base, Capacity: capacity, Timeout: 30})
	return h
}

// tick fires one loop round and moves the clock the way the real trigger
// interval would.
func (h *harness) tick() protocol.Decision {
	h.clock.Advance(400 * time.Millisecond)
	h.trg.Fire()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decisions[len(h.decisions)-1]
}

func (h *harness) addOrder(house grid.Coord) {
	h.b.Publish(bus.TopicUserAddOrder, protocol.AddOrderMsg{House: house})
}

func (h *harness) toggle(c grid.Coord) {
	h.b.Publish(bus.TopicUserToggleObstacle, protocol.ToggleObstacleMsg{Cell: c})
}

func (h *harness) runUntil(max int, cond func(protocol.KnowledgeSnapshot) bool) protocol.KnowledgeSnapshot {
	h.t.Helper()
	for i := 0; i < max; i++ {
		h.tick()
		if snap := h.store.Snapshot(); cond(snap) {
			return snap
		}
	}
	h.t.Fatalf("condition not reached in %d ticks; state=%+v", max, h.store.Snapshot())
	return protocol.KnowledgeSnapshot{}
}

func openConfig(houses ...grid.Coord) grid.Config {
	return grid.Config{
		Width:  22,
		Height: 15,
		Base:   grid.Coord{X: 1, Y: 1},
		Houses: houses,
	}
}

var (
	houseNear = grid.Coord{X: 10, Y: 3}
	houseFar  = grid.Coord{X: 15, Y: 10}
)

func TestMissionDeliversTwoOrders(t *testing.T) {
	h := newHarness(t, openConfig(houseNear, houseFar), 2)

	h.addOrder(houseNear)
	h.addOrder(houseFar)

	if d := h.tick(); d != protocol.DecisionStartMission {
		t.Fatalf("first tick decision = %s, want START_MISSION", d)
	}
	snap := h.store.Snapshot()
	if snap.MissionState != protocol.MissionActive {
		t.Fatalf("state = %s, want ACTIVE", snap.MissionState)
	}
	if snap.Plan == nil || len(snap.Plan.Sequence) != 2 || snap.Plan.Sequence[0] != houseNear {
		t.Fatalf("plan sequence = %+v, want nearer house first", snap.Plan)
	}
	for _, p := range snap.Plan.Path {
		if p.Leg != protocol.LegDelivery {
			t.Fatalf("delivery path has %s leg", p.Leg)
		}
	}

	final := h.runUntil(300, func(s protocol.KnowledgeSnapshot) bool {
		return s.MissionState == protocol.MissionIdle
	})
	if final.Metrics.TotalDeliveries != 2 {
		t.Fatalf("total deliveries = %d, want 2", final.Metrics.TotalDeliveries)
	}
	for _, o := range final.Orders {
		if o.Status != protocol.OrderDelivered {
			t.Fatalf("order %s = %s, want DELIVERED", o.ID, o.Status)
		}
	}
	if final.Plan != nil {
		t.Fatal("plan not cleared after completion")
	}
	if final.Metrics.TotalDistance == 0 || final.Metrics.AvgDeliverySec <= 0 {
		t.Fatalf("metrics = %+v", final.Metrics)
	}
	if env := h.world.Snapshot(); !env.Robot.AtBase || len(env.Robot.Carried) != 0 {
		t.Fatalf("robot = %+v, want empty at base", env.Robot)
	}
}

func TestAutoStartByCapacity(t *testing.T) {
	h := newHarness(t, openConfig(houseNear, houseFar, grid.Coord{X: 5, Y: 5}), 3)

	h.addOrder(houseNear)
	h.addOrder(houseFar)
	if d := h.tick(); d != protocol.DecisionNoAction {
		t.Fatalf("decision below capacity = %s, want NO_ACTION", d)
	}
	h.addOrder(grid.Coord{X: 5, Y: 5})
	if d := h.tick(); d != protocol.DecisionStartMission {
		t.Fatalf("decision at capacity = %s, want START_MISSION", d)
	}
}

func TestAutoStartByTimeout(t *testing.T) {
	h := newHarness(t, openConfig(houseNear), 3)

	h.addOrder(houseNear)
	if d := h.tick(); d != protocol.DecisionNoAction {
		t.Fatalf("decision before timeout = %s, want NO_ACTION", d)
	}
	h.clock.Advance(30 * time.Second)
	if d := h.tick(); d != protocol.DecisionStartMission {
		t.Fatalf("decision after timeout = %s, want START_MISSION", d)
	}
}

func TestReplanAvoidsNewObstacle(t *testing.T) {
	h := newHarness(t, openConfig(houseNear), 1)

	h.addOrder(houseNear)
	h.tick() // start mission
	h.tick() // first step

	snap := h.store.Snapshot()
	if snap.Plan == nil || snap.PlanIndex+1 >= len(snap.Plan.Path) {
		t.Fatalf("no route under way: %+v", snap)
	}
	blocked := snap.Plan.Path[snap.PlanIndex+1].Coord
	h.toggle(blocked)

	if d := h.tick(); d != protocol.DecisionReplan {
		t.Fatalf("decision after toggle = %s, want REPLAN", d)
	}
	after := h.store.Snapshot()
	if after.Metrics.ReplanCount != 1 {
		t.Fatalf("replan count = %d, want 1", after.Metrics.ReplanCount)
	}
	for _, p := range after.Plan.Path {
		if p.Coord == blocked {
			t.Fatalf("replanned path still crosses %v", blocked)
		}
	}

	final := h.runUntil(300, func(s protocol.KnowledgeSnapshot) bool {
		return s.MissionState == protocol.MissionIdle
	})
	if final.Metrics.TotalDeliveries != 1 {
		t.Fatalf("total deliveries = %d, want 1", final.Metrics.TotalDeliveries)
	}
}

func TestStuckAndResumeCycle(t *testing.T) {
	h := newHarness(t, openConfig(houseNear), 1)

	h.addOrder(houseNear)
	h.tick() // start mission

	// Wall off every approach to the destination while the robot is still
	// near base.
	walls := []grid.Coord{
		{X: houseNear.X - 1, Y: houseNear.Y},
		{X: houseNear.X + 1, Y: houseNear.Y},
		{X: houseNear.X, Y: houseNear.Y - 1},
		{X: houseNear.X, Y: houseNear.Y + 1},
	}
	for _, w := range walls {
		h.toggle(w)
	}

	h.tick() // replan fails, executor enters stuck
	snap := h.store.Snapshot()
	if snap.MissionState != protocol.MissionStuck {
		t.Fatalf("state = %s, want STUCK", snap.MissionState)
	}
	if snap.PriorState != protocol.MissionActive {
		t.Fatalf("prior state = %s, want ACTIVE", snap.PriorState)
	}

	if d := h.tick(); d != protocol.DecisionNoAction {
		t.Fatalf("decision while walled in = %s, want NO_ACTION", d)
	}

	h.toggle(walls[0]) // open one approach
	if d := h.tick(); d != protocol.DecisionResume {
		t.Fatalf("decision after opening = %s, want RESUME", d)
	}
	if st := h.store.Snapshot().MissionState; st != protocol.MissionActive {
		t.Fatalf("state after resume = %s, want ACTIVE", st)
	}

	final := h.runUntil(300, func(s protocol.KnowledgeSnapshot) bool {
		return s.MissionState == protocol.MissionIdle
	})
	if final.Metrics.TotalDeliveries != 1 {
		t.Fatalf("total deliveries = %d, want 1", final.Metrics.TotalDeliveries)
	}
}

func TestCapacityInvariantAcrossMissions(t *testing.T) {
	houses := []grid.Coord{
		{X: 10, Y: 3}, {X: 15, Y: 10}, {X: 5, Y: 5}, {X: 18, Y: 2}, {X: 3, Y: 12},
	}
	h := newHarness(t, openConfig(houses...), 3)

	over := false
	h.b.Subscribe(bus.TopicEnvUpdate, func(e bus.Envelope) {
		snap := e.Payload.(protocol.EnvironmentSnapshot)
		if len(snap.Robot.Carried) > 3 {
			over = true
		}
	})

	for _, house := range houses {
		h.addOrder(house)
	}

	// First mission takes three orders; the remaining two start on the
	// mission timeout. Each tick advances the clock 400ms.
	final := h.runUntil(600, func(s protocol.KnowledgeSnapshot) bool {
		return s.Metrics.TotalDeliveries == 5 && s.MissionState == protocol.MissionIdle
	})
	if over {
		t.Fatal("robot carried more than its capacity")
	}
	if got := len(final.LoadedOrders()) + len(final.PendingOrders()); got != 0 {
		t.Fatalf("%d orders left undelivered", got)
	}
}

func TestMonitorNeutralBeforeInit(t *testing.T) {
	b := bus.New(bus.Synchronous())
	defer b.Close()

	mon := NewMonitor(b)
	mon.Start()
	defer mon.Stop()

	var facts []protocol.FactRecord
	b.Subscribe(bus.TopicMonitorResult, func(e bus.Envelope) {
		facts = append(facts, e.Payload.(protocol.FactRecord))
	})

	trg := NewTrigger(b, time.Hour)
	trg.Fire()

	if len(facts) != 1 {
		t.Fatalf("got %d fact records, want 1", len(facts))
	}
	if facts[0].Initialized {
		t.Fatal("uninitialized system reported initialized facts")
	}
	if facts[0].Tick != 1 {
		t.Fatalf("tick = %d, want 1", facts[0].Tick)
	}
}
