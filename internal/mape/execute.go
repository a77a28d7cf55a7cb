package mape

import (
	"log"
	"os"
	"time"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

// Executor drives the mission state machine. It is the sole writer of the
// mission and plan fields in knowledge and actuates the environment one
// robot step per tick; metric counters go out as increments the store
// folds in, so they survive reordering against other writers. A blocked
// step is skipped, not an error: the next monitor sample detects the
// blockage.
type Executor struct {
	log *log.Logger
	b   *bus.Bus
	now func() time.Time

	snapshots
	lastTick uint64

	cancels []func()
}

type ExecutorOption func(*Executor)

func ExecutorLogger(l *log.Logger) ExecutorOption { return func(x *Executor) { x.log = l } }

func ExecutorClock(now func() time.Time) ExecutorOption { return func(x *Executor) { x.now = now } }

func NewExecutor(b *bus.Bus, opts ...ExecutorOption) *Executor {
	x := &Executor{
		log: log.New(os.Stdout, "[execute] ", log.LstdFlags|log.Lmicroseconds),
		b:   b,
		now: time.Now,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

func (x *Executor) Start() {
	x.cancels = append(x.cancels,
		x.b.Subscribe(bus.TopicKnowledgeUpdate, x.onKnowledge),
		x.b.Subscribe(bus.TopicEnvUpdate, x.onEnvironment),
		x.b.Subscribe(bus.TopicSystemReset, x.onReset),
		x.b.Subscribe(bus.TopicPlanResult, x.onPlan),
	)
}

func (x *Executor) Stop() {
	for _, c := range x.cancels {
		c()
	}
	x.cancels = nil
}

func (x *Executor) onReset(bus.Envelope) {
	x.clear()
	x.mu.Lock()
	x.lastTick = 0
	x.mu.Unlock()
}

func (x *Executor) onPlan(env bus.Envelope) {
	if env.Epoch < x.b.Epoch() {
		return
	}
	r, ok := env.Payload.(protocol.PlanResult)
	if !ok {
		return
	}
	x.mu.Lock()
	if r.Tick <= x.lastTick {
		x.mu.Unlock()
		return
	}
	x.lastTick = r.Tick
	x.mu.Unlock()

	k, e, ok := x.latest(r.Epoch)
	if !ok {
		return
	}

	switch r.Action {
	case protocol.ActionStartMission:
		x.startMission(k, r)
	case protocol.ActionReplan:
		x.installPlan(r, nil)
	case protocol.ActionBeginReturn:
		st := protocol.MissionReturning
		x.installPlan(r, &st)
	case protocol.ActionEnterStuck:
		x.enterStuck(k)
	case protocol.ActionResume:
		x.resume(k)
	case protocol.ActionCompleteMission:
		x.completeMission(k)
	case protocol.ActionContinue:
		x.step(k, e)
	}
}

// startMission loads the chosen orders at base, installs the plan and
// activates the mission in a single patch.
func (x *Executor) startMission(k *protocol.KnowledgeSnapshot, r protocol.PlanResult) {
	if r.Plan == nil || len(r.OrderIDs) == 0 {
		x.log.Printf("start_mission without plan or orders")
		return
	}
	statuses := make(map[string]protocol.OrderStatus, len(r.OrderIDs))
	chosen := make(map[string]bool, len(r.OrderIDs))
	for _, id := range r.OrderIDs {
		statuses[id] = protocol.OrderLoaded
		chosen[id] = true
		x.b.Publish(bus.TopicEnvLoad, protocol.LoadCmd{OrderID: id})
	}

	// Orders beyond capacity stay pending and keep the timeout running.
	var firstLeft *time.Time
	for _, o := range k.PendingOrders() {
		if chosen[o.ID] {
			continue
		}
		if firstLeft == nil || o.CreatedAt.Before(*firstLeft) {
			t := o.CreatedAt
			firstLeft = &t
		}
	}

	x.b.Publish(bus.TopicKnowledgePatch, protocol.Patch{
		protocol.FieldOrderStatus:    statuses,
		protocol.FieldPlan:           r.Plan,
		protocol.FieldPlanIndex:      0,
		protocol.FieldMissionState:   protocol.MissionActive,
		protocol.FieldFirstPendingAt: firstLeft,
	})
	x.log.Printf("mission started: %d orders", len(r.OrderIDs))
}

// installPlan swaps in a fresh route, optionally changing mission state.
func (x *Executor) installPlan(r protocol.PlanResult, state *protocol.MissionState) {
	if r.Plan == nil {
		x.log.Printf("%s without plan", r.Action)
		return
	}
	patch := protocol.Patch{
		protocol.FieldPlan:      r.Plan,
		protocol.FieldPlanIndex: 0,
	}
	if state != nil {
		patch[protocol.FieldMissionState] = *state
	}
	x.b.Publish(bus.TopicKnowledgePatch, patch)
}

func (x *Executor) enterStuck(k *protocol.KnowledgeSnapshot) {
	if k.MissionState == protocol.MissionStuck {
		return
	}
	if k.MissionState != protocol.MissionActive && k.MissionState != protocol.MissionReturning {
		return
	}
	x.b.Publish(bus.TopicKnowledgePatch, protocol.Patch{
		protocol.FieldMissionState: protocol.MissionStuck,
		protocol.FieldPriorState:   k.MissionState,
	})
	x.log.Printf("stuck (was %s)", k.MissionState)
}

func (x *Executor) resume(k *protocol.KnowledgeSnapshot) {
	if k.MissionState != protocol.MissionStuck {
		return
	}
	prior := k.PriorState
	if prior != protocol.MissionActive && prior != protocol.MissionReturning {
		prior = protocol.MissionActive
	}
	x.b.Publish(bus.TopicKnowledgePatch, protocol.Patch{
		protocol.FieldMissionState: prior,
		protocol.FieldPriorState:   protocol.MissionState(""),
	})
	x.log.Printf("resumed to %s", prior)
}

func (x *Executor) completeMission(k *protocol.KnowledgeSnapshot) {
	next := protocol.MissionIdle
	if len(k.PendingOrders()) > 0 {
		next = protocol.MissionCollecting
	}
	x.b.Publish(bus.TopicKnowledgePatch, protocol.Patch{
		protocol.FieldMissionState: next,
		protocol.FieldPriorState:   protocol.MissionState(""),
		protocol.FieldPlan:         nil,
		protocol.FieldPlanIndex:    0,
	})
	x.log.Printf("mission complete, now %s", next)
}

// step advances the robot one cell along the plan and performs arrival
// side effects. Delivery happens the moment the robot enters a house cell
// holding a matching loaded order.
func (x *Executor) step(k *protocol.KnowledgeSnapshot, e *protocol.EnvironmentSnapshot) {
	if k.MissionState != protocol.MissionActive && k.MissionState != protocol.MissionReturning {
		return
	}
	if k.Plan == nil || k.PlanIndex+1 >= len(k.Plan.Path) {
		return
	}
	next := k.Plan.Path[k.PlanIndex+1]

	g, err := grid.FromState(e.Grid)
	if err != nil {
		x.log.Printf("bad grid snapshot: %v", err)
		return
	}
	if !g.IsPassable(next.Coord) {
		// Monitor flags this next tick; no move this tick.
		x.log.Printf("next cell %v blocked, holding", next.Coord)
		return
	}
	dir, err := grid.DirectionTo(e.Robot.Pos, next.Coord)
	if err != nil {
		x.log.Printf("robot %v off plan cell %v: %v", e.Robot.Pos, next.Coord, err)
		return
	}
	x.b.Publish(bus.TopicEnvMove, protocol.MoveCmd{Dir: dir})

	// Accounting is optimistic: a move the environment rejects leaves the
	// distance counter one high and the index off by one until the next
	// replan realigns plan and position.
	patch := protocol.Patch{
		protocol.FieldPlanIndex:   k.PlanIndex + 1,
		protocol.FieldDistanceInc: 1,
	}

	statuses := map[string]protocol.OrderStatus{}
	var samples []float64
	for _, o := range k.LoadedOrders() {
		if o.House != next.Coord {
			continue
		}
		x.b.Publish(bus.TopicEnvDeliver, protocol.DeliverCmd{OrderID: o.ID})
		statuses[o.ID] = protocol.OrderDelivered
		dt := x.now().Sub(o.CreatedAt).Seconds()
		samples = append(samples, dt)
		x.log.Printf("delivered %s at %v after %.1fs", o.ID, next.Coord, dt)
	}
	if len(statuses) > 0 {
		patch[protocol.FieldOrderStatus] = statuses
		patch[protocol.FieldDeliverySample] = samples
	}
	x.b.Publish(bus.TopicKnowledgePatch, patch)
}
